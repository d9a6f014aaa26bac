package shell

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hailam/kaya/internal/render"
	"github.com/hailam/kaya/internal/storage"
	"github.com/hailam/kaya/katanet"
	"github.com/hailam/kaya/katanet/synth"
	"github.com/hailam/kaya/katanet/tensor"
)

// topMoves is the number of policy moves printed by eval.
const topMoves = 5

func (s *Shell) handleList() error {
	entries, err := s.store.ListModels()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "no models stored")
		return nil
	}
	for _, e := range entries {
		mark := " "
		if s.model != nil && s.model.Info().Name == e.Name {
			mark = "*"
		}
		fmt.Fprintf(s.out, "%s %-16s v%d blocks %d depth %d params %s stored %s (%s raw) saved %s\n",
			mark, e.Name, e.Version, e.Blocks, e.Depth,
			humanize.Comma(int64(e.Params)),
			humanize.Bytes(uint64(e.StoredSize)),
			humanize.Bytes(uint64(e.RawSize)),
			humanize.Time(e.Saved))
	}
	return nil
}

func (s *Shell) handleImport(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: import <file> [name]")
	}
	m, err := storage.ReadDescription(args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		m.Name = args[1]
	}
	if err := m.Lint(); err != nil {
		return err
	}
	e, err := s.store.SaveModel(m)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "imported %s: %s params, %s stored\n",
		e.Name, humanize.Comma(int64(e.Params)), humanize.Bytes(uint64(e.StoredSize)))
	return nil
}

func (s *Shell) handleExport(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: export <name> <file>")
	}
	m, err := s.store.LoadModel(args[0])
	if err != nil {
		return err
	}
	if err := storage.WriteDescription(args[1], m); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "exported %s to %s\n", m.Name, args[1])
	return nil
}

func (s *Shell) handleSynth(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: synth <name> <layout> [seed]")
	}
	cfg := synth.DefaultConfig()
	cfg.Name = args[0]
	layout := args[1:]
	// A trailing integer is the seed; layout tokens are never numeric.
	if n := len(layout); n > 1 {
		if seed, err := parseSeed(layout[n-1]); err == nil {
			cfg.Seed = seed
			layout = layout[:n-1]
		}
	}
	cfg.Layout = strings.Join(layout, " ")

	m, err := synth.Generate(cfg)
	if err != nil {
		return err
	}
	e, err := s.store.SaveModel(m)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "stored %s: %d blocks, depth %d, %s params\n",
		e.Name, e.Blocks, e.Depth, humanize.Comma(int64(e.Params)))
	return nil
}

func (s *Shell) handleLoad(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: load <name>")
	}
	if err := s.Load(args[0]); err != nil {
		return err
	}
	info := s.model.Info()
	fmt.Fprintf(s.out, "loaded %s: %d blocks, %s weights\n",
		info.Name, info.Blocks, humanize.Bytes(uint64(info.Bytes)))
	return nil
}

// Load builds the stored model name and makes it the loaded model. The
// previous model is disposed only once the new one is built.
func (s *Shell) Load(name string) error {
	d, err := s.store.LoadModel(name)
	if err != nil {
		return err
	}
	start := time.Now()
	m, err := katanet.New(d)
	if err != nil {
		return err
	}
	log.Printf("Built %s in %v", name, time.Since(start))

	s.unload()
	s.model = m
	s.prefs.DefaultModel = name
	s.prefs.LastUsed = time.Now()
	s.savePreferences()
	return nil
}

func (s *Shell) handleInfo() error {
	m, err := s.requireModel()
	if err != nil {
		return err
	}
	info := m.Info()
	post := m.PostProcess()
	fmt.Fprintf(s.out, "name %s\n", info.Name)
	fmt.Fprintf(s.out, "version %d\n", info.Version)
	fmt.Fprintf(s.out, "trunk %d channels, %d blocks, depth %d\n", info.TrunkChannels, info.Blocks, info.Depth)
	fmt.Fprintf(s.out, "inputs %d spatial, %d global\n", info.InputChannels, info.GlobalChannels)
	fmt.Fprintf(s.out, "outputs policy %d, score %d\n", info.PolicyOutChannels, info.ScoreChannels)
	fmt.Fprintf(s.out, "weights %d tensors, %s params, %s\n",
		info.Tensors, humanize.Comma(int64(info.Params)), humanize.Bytes(uint64(info.Bytes)))
	fmt.Fprintf(s.out, "postprocess score %g stdev %g lead %g variance %g output %g\n",
		post.ScoreMeanMultiplier, post.ScoreStdevMultiplier, post.LeadMultiplier,
		post.VarianceTimeMultiplier, post.OutputScaleMultiplier)
	return nil
}

func (s *Shell) handleEval(args []string) error {
	m, err := s.requireModel()
	if err != nil {
		return err
	}
	if len(args) > 1 {
		return errors.New("usage: eval [inputs.json]")
	}
	in, err := s.inputs(m, args)
	if err != nil {
		return err
	}
	start := time.Now()
	out, err := m.Forward(in.spatial, in.global)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	for b := 0; b < in.batch; b++ {
		if in.batch > 1 {
			fmt.Fprintf(s.out, "position %d\n", b)
		}
		s.printValue(out.Value, out.Score, b)
		fmt.Fprintf(s.out, "pass %.4f\n", row(out.Pass, b)[0])
		fmt.Fprintf(s.out, "policy")
		for _, mv := range bestMoves(plane(out.Policy, b), topMoves) {
			fmt.Fprintf(s.out, " %s:%.3f", mv.coord, mv.logit)
		}
		fmt.Fprintln(s.out)
		own := plane(out.Ownership, b)
		var sum float64
		for _, v := range own {
			sum += tanh(v)
		}
		fmt.Fprintf(s.out, "ownership %+.2f\n", sum)
	}
	fmt.Fprintf(s.out, "time %v\n", elapsed.Round(time.Microsecond))
	return nil
}

func (s *Shell) handleValue(args []string) error {
	m, err := s.requireModel()
	if err != nil {
		return err
	}
	if len(args) > 1 {
		return errors.New("usage: value [inputs.json]")
	}
	in, err := s.inputs(m, args)
	if err != nil {
		return err
	}
	out, err := m.ForwardValue(in.spatial, in.global)
	if err != nil {
		return err
	}
	for b := 0; b < in.batch; b++ {
		if in.batch > 1 {
			fmt.Fprintf(s.out, "position %d\n", b)
		}
		s.printValue(out.Value, out.Score, b)
	}
	return nil
}

func (s *Shell) printValue(value, score *tensor.Tensor, b int) {
	fmt.Fprintf(s.out, "value")
	for _, v := range row(value, b) {
		fmt.Fprintf(s.out, " %.4f", v)
	}
	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, "score")
	for _, v := range row(score, b) {
		fmt.Fprintf(s.out, " %.4f", v)
	}
	fmt.Fprintln(s.out)
}

func (s *Shell) handleRender(args []string) error {
	m, err := s.requireModel()
	if err != nil {
		return err
	}
	if len(args) < 2 || len(args) > 4 {
		return errors.New("usage: render <ownership|policy> <out.png> [inputs.json] [size]")
	}
	style, err := render.ParseStyle(args[0])
	if err != nil {
		return err
	}
	path := args[1]
	if filepath.Dir(path) == "." {
		dir, err := storage.GetRenderDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, path)
	}
	size := s.prefs.RenderSize
	rest := args[2:]
	if n := len(rest); n > 0 {
		if v, err := strconv.Atoi(rest[n-1]); err == nil {
			size = v
			rest = rest[:n-1]
		}
	}
	in, err := s.inputs(m, rest)
	if err != nil {
		return err
	}
	out, err := m.Forward(in.spatial, in.global)
	if err != nil {
		return err
	}

	values := plane(out.Ownership, 0)
	if style == render.Policy {
		values = plane(out.Policy, 0)
	}
	img, err := render.Heatmap(values, render.Options{
		Style:   style,
		Size:    size,
		Caption: fmt.Sprintf("%s %s", m.Info().Name, style),
	})
	if err != nil {
		return err
	}
	if err := render.SavePNG(path, img); err != nil {
		return err
	}
	if size != s.prefs.RenderSize {
		s.prefs.RenderSize = size
		s.savePreferences()
	}
	fmt.Fprintf(s.out, "wrote %s (%dx%d)\n", path, size, size)
	return nil
}

func (s *Shell) handleDelete(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: delete <name>")
	}
	name := args[0]
	if err := s.store.DeleteModel(name); err != nil {
		return err
	}
	if s.model != nil && s.model.Info().Name == name {
		s.unload()
	}
	if s.prefs.DefaultModel == name {
		s.prefs.DefaultModel = ""
		s.savePreferences()
	}
	fmt.Fprintf(s.out, "deleted %s\n", name)
	return nil
}

func (s *Shell) handleDispose() error {
	if _, err := s.requireModel(); err != nil {
		return err
	}
	name := s.model.Info().Name
	s.unload()
	fmt.Fprintf(s.out, "disposed %s\n", name)
	return nil
}

type move struct {
	coord string
	logit float32
}

const columns = "ABCDEFGHJKLMNOPQRST"

// coord names an intersection the way Go servers do: column letter without
// I, row counted from the bottom.
func coord(i int) string {
	x, y := i%katanet.BoardSize, i/katanet.BoardSize
	return fmt.Sprintf("%c%d", columns[x], katanet.BoardSize-y)
}

func bestMoves(logits []float32, n int) []move {
	moves := make([]move, len(logits))
	for i, v := range logits {
		moves[i] = move{coord: coord(i), logit: v}
	}
	sort.SliceStable(moves, func(i, j int) bool { return moves[i].logit > moves[j].logit })
	return moves[:min(n, len(moves))]
}
