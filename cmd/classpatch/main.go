package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/dynsurround/classpatch/pkg/bytecode"
	"github.com/dynsurround/classpatch/pkg/classfile"
	"github.com/dynsurround/classpatch/pkg/config"
	"github.com/dynsurround/classpatch/pkg/loader"
	"github.com/dynsurround/classpatch/pkg/transform"
)

const usage = `Usage: classpatch [-v N] [-config FILE] <command> [args]

Commands:
  jar [-j N] IN.jar OUT.jar     rewrite every class in a jar
  class [-name N] IN OUT        rewrite one class file
  load -cp PATH [-boot PATH] NAME...
                                load classes through the transforming loader
  dump [-t] [-method M] FILE    list the instructions of a class file
`

func main() {
	global := flag.NewFlagSet("classpatch", flag.ExitOnError)
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	verbosity := global.Int("v", 0, "log verbosity")
	configPath := global.String("config", "", "TOML options file")
	global.Parse(os.Args[1:])

	commonlog.Configure(*verbosity, nil)

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	opts, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tr, err := transform.NewDefault(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var run func(*transform.Transformer, []string) error
	switch args[0] {
	case "jar":
		run = runJar
	case "class":
		run = runClass
	case "load":
		run = runLoad
	case "dump":
		run = runDump
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		global.Usage()
		os.Exit(2)
	}
	if err := run(tr, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runJar(tr *transform.Transformer, args []string) error {
	fs := flag.NewFlagSet("jar", flag.ExitOnError)
	jobs := fs.Int("j", runtime.GOMAXPROCS(0), "classes transformed in parallel")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("jar: want IN.jar OUT.jar")
	}

	src, err := loader.OpenJar(fs.Arg(0))
	if err != nil {
		return err
	}
	out, err := os.Create(fs.Arg(1))
	if err != nil {
		return err
	}
	stats, err := loader.RewriteJar(context.Background(), src.Reader(), out, tr, *jobs)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(fs.Arg(1))
		return err
	}
	fmt.Printf("%d entries, %d classes, %d rewritten\n", stats.Entries, stats.Classes, stats.Changed)
	return nil
}

func runClass(tr *transform.Transformer, args []string) error {
	fs := flag.NewFlagSet("class", flag.ExitOnError)
	name := fs.String("name", "", "class name (default: read from the file)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("class: want IN OUT")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *name == "" {
		if *name, err = className(data); err != nil {
			return err
		}
	}
	out, err := tr.Transform(*name, data)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Arg(1), out, 0o644)
}

func runLoad(tr *transform.Transformer, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	cp := fs.String("cp", ".", "classpath of transformed classes")
	boot := fs.String("boot", os.Getenv("JAVA_BASE_JMOD"), "classpath loaded untransformed")
	fs.Parse(args)

	var parent *loader.ClassLoader
	if *boot != "" {
		src, err := loader.OpenPath(*boot)
		if err != nil {
			return err
		}
		if parent, err = loader.New(src, nil, nil, loader.DefaultCacheSize); err != nil {
			return err
		}
	}
	src, err := loader.OpenPath(*cp)
	if err != nil {
		return err
	}
	cl, err := loader.New(src, parent, tr, loader.DefaultCacheSize)
	if err != nil {
		return err
	}

	for _, name := range fs.Args() {
		cf, err := cl.LoadClass(strings.ReplaceAll(name, ".", "/"))
		if err != nil {
			return err
		}
		fmt.Printf("%s: version %d.%d, %d methods\n", name, cf.MajorVersion, cf.MinorVersion, len(cf.Methods))
	}
	return nil
}

func runDump(tr *transform.Transformer, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	transformed := fs.Bool("t", false, "transform before listing")
	method := fs.String("method", "", "only list methods with this name")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("dump: want FILE")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if *transformed {
		name, err := className(data)
		if err != nil {
			return err
		}
		if data, err = tr.Transform(name, data); err != nil {
			return err
		}
	}

	c, err := bytecode.ReadClass(data)
	if err != nil {
		return err
	}
	for _, m := range c.Methods {
		if *method != "" && m.Name != *method {
			continue
		}
		fmt.Println(m)
	}
	return nil
}

func className(data []byte) (string, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		return "", err
	}
	name, err := cf.ClassName()
	if err != nil {
		return "", err
	}
	return loader.DottedName(name), nil
}
