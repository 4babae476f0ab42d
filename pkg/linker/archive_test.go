package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func arMember(name string, body string) string {
	hdr := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", len(body))
	if len(body)%2 == 1 {
		body += "\n"
	}
	return hdr + body
}

// TestReadArchiveMembers verifies short, SysV long and BSD long member
// names, and that the symbol and string tables are skipped.
func TestReadArchiveMembers(t *testing.T) {
	contents := "!<arch>\n" +
		arMember("/", "\x00\x00\x00\x00") +
		arMember("//", "long_member_name.o/\n") +
		arMember("/0", "AAAA") +
		arMember("short.o/", "BBB") +
		arMember("#1/8", "bsd.o\x00\x00\x00CC")
	ar := &File{Name: "lib.a", Contents: []byte(contents)}

	members := ReadArchiveMembers(ar)

	want := []struct{ name, body string }{
		{"lib.a(long_member_name.o)", "AAAA"},
		{"lib.a(short.o)", "BBB"},
		{"lib.a(bsd.o)", "CC"},
	}
	if len(members) != len(want) {
		t.Fatalf("got %d members, want %d", len(members), len(want))
	}
	for i, m := range members {
		if m.Name != want[i].name || string(m.Contents) != want[i].body {
			t.Errorf("member %d: %s %q, want %s %q", i, m.Name, m.Contents, want[i].name, want[i].body)
		}
		if m.Parent != ar {
			t.Errorf("member %d has no parent", i)
		}
	}
}

// TestReadThinArchive verifies that thin archive members are read from
// disk next to the archive.
func TestReadThinArchive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "member.o"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("cannot write member: %v", err)
	}

	strtab := "member.o/\n"
	contents := "!<thin>\n" + arMember("//", strtab) +
		fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", "/0", "0", "0", "0", "644", len("payload"))
	ar := &File{Name: filepath.Join(dir, "lib.a"), Contents: []byte(contents)}

	members := ReadArchiveMembers(ar)

	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	if members[0].Name != filepath.Join(dir, "member.o") || string(members[0].Contents) != "payload" {
		t.Errorf("member %s %q", members[0].Name, members[0].Contents)
	}
}

// TestGetFileType verifies detection of archives, objects and empty files.
func TestGetFileType(t *testing.T) {
	obj := make([]byte, 64)
	copy(obj, "\x7fELF\x02\x01\x01")
	obj[16] = 1 // ET_REL

	cases := []struct {
		contents []byte
		want     FileType
	}{
		{nil, FileTypeEmpty},
		{[]byte("!<arch>\n"), FileTypeAr},
		{[]byte("!<thin>\n"), FileTypeThinAr},
		{obj, FileTypeObject},
		{[]byte("GROUP ( libc.a )"), FileTypeText},
		{[]byte{0, 1, 2, 3}, FileTypeUnknown},
	}
	for i, c := range cases {
		if got := GetFileType(c.contents); got != c.want {
			t.Errorf("case %d: got %d, want %d", i, got, c.want)
		}
	}
}
