// Package shell implements the line protocol of the kaya command: one
// command per line on input, plain text responses on output.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/hailam/kaya/internal/storage"
	"github.com/hailam/kaya/katanet"
)

// errQuit ends the main loop.
var errQuit = errors.New("quit")

// Shell holds the protocol state. It exclusively owns the loaded model and
// disposes it when another model replaces it or the session ends.
type Shell struct {
	store *storage.Storage
	out   io.Writer
	model *katanet.Model
	prefs *storage.Preferences
}

// New creates a protocol handler writing responses to out.
func New(store *storage.Storage, out io.Writer) *Shell {
	prefs, err := store.LoadPreferences()
	if err != nil {
		log.Printf("Warning: preferences not loaded: %v", err)
		prefs = storage.DefaultPreferences()
	}
	return &Shell{store: store, out: out, prefs: prefs}
}

// Model returns the loaded model, or nil.
func (s *Shell) Model() *katanet.Model {
	return s.model
}

// Run reads commands from in until "quit" or end of input, then disposes
// the loaded model.
func (s *Shell) Run(in io.Reader) error {
	defer s.unload()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := s.Exec(line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// Exec runs a single command line.
func (s *Shell) Exec(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		s.handleHelp()
		return nil
	case "list":
		return s.handleList()
	case "import":
		return s.handleImport(args)
	case "export":
		return s.handleExport(args)
	case "synth":
		return s.handleSynth(args)
	case "load":
		return s.handleLoad(args)
	case "info":
		return s.handleInfo()
	case "eval":
		return s.handleEval(args)
	case "value":
		return s.handleValue(args)
	case "render":
		return s.handleRender(args)
	case "delete":
		return s.handleDelete(args)
	case "dispose":
		return s.handleDispose()
	case "quit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q (try help)", cmd)
}

func (s *Shell) handleHelp() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  list                                  stored models")
	fmt.Fprintln(s.out, "  import <file> [name]                  store a JSON description (.json or .json.zst)")
	fmt.Fprintln(s.out, "  export <name> <file>                  write a stored description")
	fmt.Fprintln(s.out, "  synth <name> <layout> [seed]          store a synthetic model, e.g. synth b4 \"o g n(o,o)\"")
	fmt.Fprintln(s.out, "  load <name>                           build a stored model")
	fmt.Fprintln(s.out, "  info                                  loaded model summary")
	fmt.Fprintln(s.out, "  eval [inputs.json]                    full forward pass")
	fmt.Fprintln(s.out, "  value [inputs.json]                   value and score only")
	fmt.Fprintln(s.out, "  render <ownership|policy> <out.png> [inputs.json] [size]  bare names go to the render dir")
	fmt.Fprintln(s.out, "  delete <name>                         remove a stored model")
	fmt.Fprintln(s.out, "  dispose                               release the loaded model")
	fmt.Fprintln(s.out, "  quit")
}

func (s *Shell) requireModel() (*katanet.Model, error) {
	if s.model == nil {
		return nil, errors.New("no model loaded (use load <name>)")
	}
	return s.model, nil
}

func (s *Shell) unload() {
	if s.model == nil {
		return
	}
	if err := s.model.Dispose(); err != nil {
		log.Printf("Warning: dispose %s: %v", s.model.Info().Name, err)
	}
	s.model = nil
}

func (s *Shell) savePreferences() {
	if err := s.store.SavePreferences(s.prefs); err != nil {
		log.Printf("Warning: preferences not saved: %v", err)
	}
}

func parseSeed(arg string) (int64, error) {
	seed, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seed %q", arg)
	}
	return seed, nil
}
