// redirects patches the .goredirectstbl section of a kernel image with the
// addresses of runtime functions and their "//go:redirect-from" replacements.
package main

import (
	"bufio"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

const redirectTableSection = ".goredirectstbl"

var errNoModule = errors.New("go.mod does not declare a module path")

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared in the go.mod file under root.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", err
	}
	return "", errNoModule
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects scans the kernel sources under root for redirect
// annotations. Destination names are the fully qualified symbol names the
// linker emits.
func findRedirects(root string) ([]*redirect, error) {
	prefix, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	goFiles, err := collectGoFiles(filepath.Join(root, "kernel"))
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", goFile, err)
		}

		relDir, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, err
		}

		cmap := ast.NewCommentMap(fset, f, f.Comments)
		cmap.Filter(f)
		for astNode, commentGroups := range cmap {
			fnDecl, ok := astNode.(*ast.FuncDecl)
			if !ok {
				continue
			}

			for _, commentGroup := range commentGroups {
				for _, comment := range commentGroup.List {
					if !strings.Contains(comment.Text, "go:redirect-from") {
						continue
					}

					fqName := fmt.Sprintf("%s/%s.%s", prefix, filepath.ToSlash(relDir), fnDecl.Name)

					fields := strings.Fields(comment.Text)
					if len(fields) != 2 || fields[0] != "//go:redirect-from" {
						return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
					}

					redirects = append(redirects, &redirect{
						src: fields[1],
						dst: fqName,
					})
				}
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	redirectsSection := f.Section(redirectTableSection)
	if redirectsSection == nil {
		return 0, fmt.Errorf("%s: missing %s section", imgFile, redirectTableSection)
	}

	return redirectsSection.Offset, nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return err
	}

	for _, redirect := range redirects {
		if err = binary.Write(f, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

// rootFlags locate the module root.
type rootFlags struct {
	root string
}

func (r *rootFlags) register(f *flag.FlagSet) {
	f.StringVar(&r.root, "root", ".", "module root containing go.mod and kernel/")
}

// countCmd implements subcommands.Command for the "count" command.
type countCmd struct {
	rootFlags
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*countCmd) Name() string { return "count" }

// Synopsis implements subcommands.Command.Synopsis.
func (*countCmd) Synopsis() string { return "print the number of redirect annotations" }

// Usage implements subcommands.Command.Usage.
func (*countCmd) Usage() string {
	return "count [-root dir]\n\nPrints the number of entries the redirect table needs.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *countCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

// Execute implements subcommands.Command.Execute.
func (c *countCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	redirects, err := findRedirects(c.root)
	if err != nil {
		logrus.WithError(err).Error("scanning kernel sources")
		return subcommands.ExitFailure
	}

	out := c.out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "%d", len(redirects))
	return subcommands.ExitSuccess
}

// populateCmd implements subcommands.Command for the "populate-table"
// command.
type populateCmd struct {
	rootFlags
}

// Name implements subcommands.Command.Name.
func (*populateCmd) Name() string { return "populate-table" }

// Synopsis implements subcommands.Command.Synopsis.
func (*populateCmd) Synopsis() string { return "write the redirect table into a kernel image" }

// Usage implements subcommands.Command.Usage.
func (*populateCmd) Usage() string {
	return "populate-table [-root dir] <kernel image>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *populateCmd) SetFlags(f *flag.FlagSet) { p.register(f) }

// Execute implements subcommands.Command.Execute.
func (p *populateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	imgFile := f.Arg(0)

	redirects, err := findRedirects(p.root)
	if err == nil {
		err = elfResolveRedirectSymbols(redirects, imgFile)
	}
	if err == nil {
		err = elfWriteRedirectTable(redirects, imgFile)
	}
	if err != nil {
		logrus.WithError(err).WithField("image", imgFile).Error("populating redirect table")
		return subcommands.ExitFailure
	}

	for _, r := range redirects {
		logrus.WithFields(logrus.Fields{
			"src": fmt.Sprintf("%s@%#x", r.src, r.srcVMA),
			"dst": fmt.Sprintf("%s@%#x", r.dst, r.dstVMA),
		}).Debug("redirect")
	}
	return subcommands.ExitSuccess
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(new(countCmd), "")
	subcommands.Register(new(populateCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
