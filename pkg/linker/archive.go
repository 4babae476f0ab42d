package linker

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/ksco/elfld/pkg/utils"
)

const arHdrSize = int(unsafe.Sizeof(ArHdr{}))

// ReadArchiveMembers splits a regular or thin archive into its members.
// A thin archive only stores member names; the contents are read from
// disk relative to the archive.
func ReadArchiveMembers(file *File) []*File {
	thin := GetFileType(file.Contents) == FileTypeThinAr
	if !thin && GetFileType(file.Contents) != FileTypeAr {
		utils.Fatal(file.Name + ": not an archive")
	}

	contents := file.Contents
	pos := 8
	var strTab []byte
	var files []*File

	for len(contents)-pos >= 2 {
		if pos%2 == 1 {
			pos++
		}
		if len(contents)-pos < arHdrSize {
			break
		}

		hdr := utils.Read[ArHdr](contents[pos:])
		body := pos + arHdrSize
		end := body + hdr.GetSize()
		if end > len(contents) && !(thin && !hdr.IsStrtab() && !hdr.IsSymtab()) {
			utils.Fatal(file.Name + ": truncated archive member")
		}

		switch {
		case hdr.IsStrtab():
			strTab = contents[body:end]
			pos = end
			continue
		case hdr.IsSymtab():
			pos = end
			continue
		}

		name, nameLen := hdr.ReadName(strTab, contents[body:])
		if thin {
			pos = body
		} else {
			pos = end
		}
		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			continue
		}

		if thin {
			path := name
			if !filepath.IsAbs(path) {
				path = filepath.Join(filepath.Dir(file.Name), name)
			}
			data, err := os.ReadFile(path)
			utils.MustNo(err)
			files = append(files, &File{Name: path, Contents: data, Parent: file})
			continue
		}

		files = append(files, &File{
			Name:     file.Name + "(" + name + ")",
			Contents: contents[body+nameLen : end],
			Parent:   file,
		})
	}

	return files
}
