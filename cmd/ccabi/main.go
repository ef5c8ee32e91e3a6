package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/ccabi/internal/abi"
	_ "github.com/tinyrange/ccabi/internal/abi/all"
	"github.com/tinyrange/ccabi/internal/abicheck"
	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/config"
	"github.com/tinyrange/ccabi/internal/dump"
	"github.com/tinyrange/ccabi/internal/ice"
	"github.com/tinyrange/ccabi/internal/scenario"
)

const usageText = `ccabi - calling convention workbench

USAGE:
  ccabi <command> [flags] [args]

COMMANDS:
  run <file.yaml>...     Compile scenario files and print the generated code
  plan [types]...        Show where arguments of a call travel
  regs                   Print the register file of the target
  check                  Cross-check caller and callee with random calls

COMMON FLAGS:
  -config PATH           Configuration file (default: ccabi.yaml)
  -target ARCH           x86, amd64, mips, ppc or sparc (default: host)
  -all                   Use every supported target
  -pic                   Generate position independent code
  -color MODE            auto, always or never
  -log-level LEVEL       debug, info, warn or error

EXAMPLES:
  ccabi run -target mips testdata/basic.yaml
  ccabi plan -target amd64 -ret double int "char *" ... double
  ccabi check -all -n 5000
`

var errUsage = errors.New("usage")

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	color  bool
	all    bool
	out    io.Writer
}

// flags are the options every command accepts. Values left unset keep what
// the configuration file says.
type flags struct {
	fs         *flag.FlagSet
	configPath string
	target     string
	all        bool
	pic        bool
	color      string
	logLevel   string
	iterations int
	seed       int64
}

func newFlags(name string) *flags {
	f := &flags{fs: flag.NewFlagSet("ccabi "+name, flag.ContinueOnError)}
	f.fs.StringVar(&f.configPath, "config", config.Filename, "configuration file")
	f.fs.StringVar(&f.target, "target", "", "target architecture")
	f.fs.BoolVar(&f.all, "all", false, "use every supported target")
	f.fs.BoolVar(&f.pic, "pic", false, "generate position independent code")
	f.fs.StringVar(&f.color, "color", "", "auto, always or never")
	f.fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return f
}

// apply loads the configuration file and lays the flags the user set on top.
func (f *flags) apply() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "target":
			cfg.Target = f.target
		case "pic":
			cfg.PIC = f.pic
		case "color":
			cfg.Color = config.Color(f.color)
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "n":
			cfg.Check.Iterations = f.iterations
		case "seed":
			cfg.Check.Seed = f.seed
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newApp(f *flags, out *os.File) (*app, error) {
	cfg, err := f.apply()
	if err != nil {
		return nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		all:    f.all,
		out:    out,
	}
	switch cfg.Color {
	case config.ColorAlways:
		a.color = true
	case config.ColorAuto:
		a.color = term.IsTerminal(int(out.Fd()))
	}
	return a, nil
}

// targets resolves the architectures a command works on.
func (a *app) targets() ([]abi.ABI, error) {
	archs := arch.All
	if !a.all {
		t, err := a.cfg.Architecture()
		if err != nil {
			return nil, err
		}
		archs = []arch.Architecture{t}
	}
	var out []abi.ABI
	for _, t := range archs {
		target, err := abi.Lookup(t)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

func (a *app) printer(target abi.ABI) *dump.Printer {
	return &dump.Printer{Regs: target.Registers(), Color: a.color}
}

func (a *app) runScenarios(files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("run: no scenario files given")
	}
	targets, err := a.targets()
	if err != nil {
		return err
	}

	failed, total := 0, 0
	for _, path := range files {
		s, err := scenario.Load(path)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if !s.Supports(target.Arch()) {
				a.logger.Debug("scenario does not apply", "file", path, "target", target.Arch())
				continue
			}
			total++
			if err := a.runOne(s, target); err != nil {
				failed++
				var ie *ice.Error
				if errors.As(err, &ie) {
					a.logger.Error("internal compiler error", "file", path, "target", target.Arch(), "kind", ie.Kind, "err", err)
				} else {
					a.logger.Error("scenario failed", "file", path, "target", target.Arch(), "err", err)
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenario runs failed", failed, total)
	}
	return nil
}

func (a *app) runOne(s *scenario.Scenario, target abi.ABI) error {
	res, err := scenario.Run(target, s,
		scenario.WithLogger(a.logger.With("target", target.Arch())),
		scenario.WithPIC(a.cfg.PIC))
	if err != nil {
		return err
	}

	p := a.printer(target)
	fmt.Fprintf(a.out, "# %s on %s\n", s.Path(), target.Arch())
	for _, c := range res.Functions {
		if err := p.List(a.out, c.List); err != nil {
			return err
		}
	}
	for i, str := range res.Strings {
		fmt.Fprintf(a.out, ".LC%d: %s\n", i, strconv.Quote(str))
	}
	fmt.Fprintln(a.out)
	return res.Verify()
}

// plan parses "[params...] [... variadic args...]" and prints the plan of a
// call on every selected target.
func (a *app) plan(ret string, variadic bool, args []string) (err error) {
	defer ice.Recover(&err)

	params, extra := args, []string(nil)
	if i := slices.Index(args, "..."); i >= 0 {
		params, extra = args[:i], args[i+1:]
		variadic = true
	}
	targets, err := a.targets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		fn, err := scenario.Signature(target, ret, params, variadic)
		if err != nil {
			return fmt.Errorf("plan: %w", err)
		}
		tail, err := scenario.Signature(target, "", extra, false)
		if err != nil {
			return fmt.Errorf("plan: variadic arguments: %w", err)
		}
		plan := target.PlanCall(fn, append(slices.Clone(fn.Params), tail.Params...))

		fmt.Fprintf(a.out, "# %s on %s\n", fn, target.Arch())
		if err := a.printer(target).Plan(a.out, plan); err != nil {
			return err
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) regs() error {
	targets, err := a.targets()
	if err != nil {
		return err
	}
	for _, target := range targets {
		fmt.Fprintf(a.out, "# %s (%s)\n", target.Arch(), target.Convention().Name)
		if err := a.printer(target).Registers(a.out); err != nil {
			return err
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) check() error {
	targets, err := a.targets()
	if err != nil {
		return err
	}
	failed := 0
	for _, target := range targets {
		bar := progressbar.NewOptions(a.cfg.Check.Iterations,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(string(target.Arch())),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetVisibility(term.IsTerminal(int(os.Stderr.Fd()))),
		)
		rep := abicheck.Check(target, abicheck.Options{
			Iterations: a.cfg.Check.Iterations,
			Seed:       a.cfg.Check.Seed,
			Logger:     a.logger.With("target", target.Arch()),
			Progress:   func() { _ = bar.Add(1) },
		})
		_ = bar.Finish()

		fmt.Fprintf(a.out, "%s: %d passed, %d failed (seed %d)\n", target.Arch(), rep.Passed, len(rep.Failures), a.cfg.Check.Seed)
		for _, err := range rep.Failures {
			fmt.Fprintf(a.out, "  %v\n", err)
		}
		failed += len(rep.Failures)
	}
	if failed > 0 {
		return fmt.Errorf("check: %d failures", failed)
	}
	return nil
}

func run(args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	f := newFlags(cmd)
	var (
		ret      string
		variadic bool
	)
	switch cmd {
	case "run", "regs":
	case "plan":
		f.fs.StringVar(&ret, "ret", "", "return type (default void)")
		f.fs.BoolVar(&variadic, "variadic", false, "declare the function variadic")
	case "check":
		f.fs.IntVar(&f.iterations, "n", 0, "number of random calls per target")
		f.fs.Int64Var(&f.seed, "seed", 0, "random seed")
	case "help", "-h", "-help", "--help":
		fmt.Fprint(os.Stdout, usageText)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err := f.fs.Parse(args); err != nil {
		return errUsage
	}

	a, err := newApp(f, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger)

	switch cmd {
	case "run":
		return a.runScenarios(f.fs.Args())
	case "plan":
		return a.plan(ret, variadic, f.fs.Args())
	case "regs":
		return a.regs()
	default:
		return a.check()
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usageText)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "ccabi: %v\n", err)
		os.Exit(1)
	}
}
