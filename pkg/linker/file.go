package linker

import (
	"debug/elf"
	"os"
	"path/filepath"

	"github.com/ksco/elfld/pkg/utils"
)

type File struct {
	Name     string
	Contents []byte

	Parent *File
}

func MustNewFile(filename string) *File {
	contents, err := os.ReadFile(filename)
	utils.MustNo(err)
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

// OpenLibrary returns nil if path does not exist. An existing object of
// another machine is a fatal error.
func OpenLibrary(ctx *Context, path string) *File {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	file := &File{Name: path, Contents: contents}
	if mt := GetMachineTypeFromContents(contents); mt.Machine != elf.EM_NONE && !mt.Compatible(ctx) {
		utils.Fatal("incompatible file: " + path + " is " + mt.String())
	}
	return file
}

func FindLibrary(ctx *Context, name string) *File {
	for _, dir := range ctx.Arg.LibraryPaths {
		stem := filepath.Join(dir, "lib"+name)
		if f := OpenLibrary(ctx, stem+".a"); f != nil {
			return f
		}
	}

	utils.Fatal("library not found: -l" + name)
	return nil
}
