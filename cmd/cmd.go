package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/thiagokokada/qlog-go/internal/buildinfo"
	"github.com/thiagokokada/qlog-go/internal/config"
	"github.com/thiagokokada/qlog-go/internal/filter"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
)

type options struct {
	paths      []string
	mode       loggraph.Mode
	noGraph    bool
	fileIDs    []string
	search     *filter.Search
	configPath string
	limit      int
	theme      string
	color      string
	watch      bool
	indexPath  string
	buildIndex bool
	show       string
	gui        bool
	verbose    bool
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// parseArgs returns done when the invocation was fully handled, e.g. by
// -help or -version.
func parseArgs(args []string, stdout, stderr io.Writer) (opts options, done bool, err error) {
	fs := flag.NewFlagSet("qlog-go", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mode := fs.String("mode", loggraph.ModeAncestry.String(), "log mode: ancestry, pending, or worktree")
	fs.BoolVar(&opts.noGraph, "nograph", false, "list revisions by date without the graph")
	var files stringList
	fs.Var(&files, "file", "only show revisions touching this path or glob (repeatable)")
	search := fs.String("search", "", "initial search as field:pattern, e.g. author:jane*")
	fs.StringVar(&opts.configPath, "config", "", "settings file (default: user config dir)")
	fs.IntVar(&opts.limit, "limit", 0, "maximum number of rows to print (0 for all)")
	fs.StringVar(&opts.theme, "theme", "", "color theme: auto, light, or dark (default from settings)")
	fs.StringVar(&opts.color, "color", "auto", "color the graph: auto, always, or never")
	fs.BoolVar(&opts.watch, "watch", false, "re-render when the repository changes")
	fs.StringVar(&opts.indexPath, "index", "", "search index database enabling the index search field")
	fs.BoolVar(&opts.buildIndex, "build-index", false, "add the branch history to the -index database and exit")
	fs.StringVar(&opts.show, "show", "", "print the message of this revision number or id")
	fs.BoolVar(&opts.gui, "gui", false, "open the log in a window (needs a build with -tags tk)")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable verbose logging")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, true, nil
		}
		return opts, false, err
	}
	if *showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return opts, true, nil
	}
	var ok bool
	if opts.mode, ok = loggraph.ParseMode(*mode); !ok {
		return opts, false, fmt.Errorf("unknown mode %q", *mode)
	}
	switch opts.color {
	case "auto", "always", "never":
	default:
		return opts, false, fmt.Errorf("unknown color setting %q", opts.color)
	}
	if opts.limit < 0 {
		return opts, false, fmt.Errorf("limit must not be negative, got %d", opts.limit)
	}
	if opts.buildIndex && opts.indexPath == "" {
		return opts, false, errors.New("-build-index needs -index")
	}
	if opts.gui && (opts.show != "" || opts.buildIndex || opts.watch) {
		return opts, false, errors.New("-gui cannot be combined with -show, -build-index or -watch")
	}
	if *search != "" {
		s := filter.ParseSearch(*search)
		opts.search = &s
	}
	opts.fileIDs = files
	opts.paths = fs.Args()
	if len(opts.paths) == 0 {
		opts.paths = []string{"."}
	}
	return opts, false, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, done, err := parseArgs(args, stdout, stderr)
	if err != nil || done {
		return err
	}
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.theme != "" {
		cfg.Theme = opts.theme
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	s, err := newSession(ctx, opts, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	if opts.buildIndex {
		return s.buildIndex(stdout)
	}
	if opts.gui {
		return s.runGUI()
	}
	return s.run(stdout)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		def, err := config.DefaultPath()
		if err != nil {
			slog.Debug("no settings file", slog.Any("error", err))
			return config.Default(), nil
		}
		path = def
	}
	return config.Load(path)
}
