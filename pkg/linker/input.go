package linker

import "github.com/ksco/elfld/pkg/utils"

func ReadInputFiles(ctx *Context, args []string) {
	for _, arg := range args {
		var ok bool
		if arg, ok = utils.RemovePrefix(arg, "-l"); ok {
			ReadFile(ctx, FindLibrary(ctx, arg))
		} else {
			ReadFile(ctx, MustNewFile(arg))
		}
	}

	if len(ctx.Objs) == 0 {
		utils.Fatal("no input files")
	}
}

func ReadFile(ctx *Context, file *File) {
	if ctx.Visited.Contains(file.Name) {
		return
	}

	ft := GetFileType(file.Contents)
	switch ft {
	case FileTypeObject:
		ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, file, false))
	case FileTypeThinAr, FileTypeAr:
		for _, child := range ReadArchiveMembers(file) {
			switch GetFileType(child.Contents) {
			case FileTypeObject:
				ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, child, true))
			case FileTypeEmpty:
			default:
				utils.Fatal(child.Name + ": unknown file type")
			}
		}
		ctx.Visited.Insert(file.Name)
	case FileTypeEmpty:
	default:
		utils.Fatal(file.Name + ": unknown file type")
	}
}

// CreateObjectFile parses file. Archive members start out dead and are
// pulled in only when they define a symbol someone needs.
func CreateObjectFile(ctx *Context, file *File, inLib bool) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(file, inLib)
	obj.Priority = uint32(ctx.FilePriority)
	ctx.FilePriority++

	obj.parse(ctx)
	return obj
}
