package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/signalnine/arbiter/internal/dataset"
	"github.com/signalnine/arbiter/internal/media"
	"github.com/signalnine/arbiter/internal/metric"
	"github.com/signalnine/arbiter/internal/truth"
)

const (
	residualBins = 10
	maxExamples  = 3
)

// Range bounds accepted submission values, inclusive.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

type Options struct {
	AnswerFilePath string
	// Round selects the ground-truth variant. Zero means round 1.
	Round int

	Format          string
	IDColumn        string
	ValueColumn     string
	AnswerColumn    string
	PrimaryMetric   string
	SecondaryMetric string
	ValueRange      *Range

	MediaDir    string
	RenderMedia bool

	// Truth shares parsed ground truth between evaluators. A private
	// store is created when nil.
	Truth  *truth.Store
	Logger *slog.Logger
}

// Challenge scores tabular submissions keyed by an id column.
type Challenge struct {
	answerFilePath string
	round          int

	submission dataset.Options
	answers    dataset.Options
	primary    metric.Metric
	secondary  metric.Metric
	valueRange *Range

	mediaDir    string
	renderMedia bool

	truth  *truth.Store
	logger *slog.Logger
}

func New(opts *Options) (*Challenge, error) {
	if opts == nil {
		opts = &Options{}
	}
	path := strings.TrimSpace(opts.AnswerFilePath)
	switch {
	case path == "":
		return nil, &ConfigurationError{Field: "answer_file_path", Reason: "must not be empty"}
	case strings.ContainsRune(path, 0):
		return nil, &ConfigurationError{Field: "answer_file_path", Reason: "contains a NUL byte"}
	case truth.IsS3(path):
		if _, _, err := truth.ParseS3URI(path); err != nil {
			return nil, &ConfigurationError{Field: "answer_file_path", Reason: err.Error()}
		}
	}

	round := opts.Round
	if round == 0 {
		round = 1
	}
	if round < 1 {
		return nil, &ConfigurationError{Field: "round", Reason: fmt.Sprintf("must be at least 1, got %d", opts.Round)}
	}

	format, err := dataset.ParseFormat(opts.Format)
	if err != nil {
		return nil, &ConfigurationError{Field: "format", Reason: err.Error()}
	}

	idCol := orDefault(opts.IDColumn, "id")
	valCol := orDefault(opts.ValueColumn, "prediction")
	ansCol := orDefault(opts.AnswerColumn, valCol)

	primary, err := metric.Lookup(orDefault(opts.PrimaryMetric, "rmse"))
	if err != nil {
		return nil, &ConfigurationError{Field: "primary_metric", Reason: err.Error()}
	}
	var secondary metric.Metric
	if name := strings.TrimSpace(opts.SecondaryMetric); name != "" && name != "none" {
		if secondary, err = metric.Lookup(name); err != nil {
			return nil, &ConfigurationError{Field: "secondary_metric", Reason: err.Error()}
		}
	}

	if r := opts.ValueRange; r != nil && (math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max) {
		return nil, &ConfigurationError{Field: "value_range", Reason: fmt.Sprintf("invalid bounds [%g, %g]", r.Min, r.Max)}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Truth
	if store == nil {
		store = truth.NewStore(&truth.StoreOpts{Logger: logger})
	}
	mediaDir := opts.MediaDir
	if mediaDir == "" {
		mediaDir = os.TempDir()
	}

	return &Challenge{
		answerFilePath: path,
		round:          round,
		submission:     dataset.Options{Format: format, IDColumn: idCol, ValueColumn: valCol},
		answers:        dataset.Options{Format: format, IDColumn: idCol, ValueColumn: ansCol},
		primary:        primary,
		secondary:      secondary,
		valueRange:     opts.ValueRange,
		mediaDir:       mediaDir,
		renderMedia:    opts.RenderMedia,
		truth:          store,
		logger:         logger.With("component", "evaluator"),
	}, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func (c *Challenge) AnswerFilePath() string { return c.answerFilePath }
func (c *Challenge) Round() int             { return c.round }

func (c *Challenge) Describe() Description {
	d := Description{
		Round:          c.round,
		PrimaryMetric:  c.primary.Name(),
		HigherIsBetter: c.primary.HigherIsBetter(),
	}
	if c.secondary != nil {
		d.SecondaryMetric = c.secondary.Name()
		d.SecondaryHigherIsBetter = c.secondary.HigherIsBetter()
	}
	return d
}

// Evaluate scores one submission against the configured round's ground
// truth. Safe for concurrent use.
func (c *Challenge) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("nil request")
	}

	sub, err := c.readSubmission(req.SubmissionFilePath)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answers, err := c.truth.Load(ctx, c.answerFilePath, c.round, c.answers)
	if err != nil {
		return nil, fmt.Errorf("loading ground truth: %w", err)
	}

	pairs, err := align(sub, answers)
	if err != nil {
		return nil, err
	}
	if err := c.checkRange(pairs); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	score, err := c.compute(c.primary, pairs)
	if err != nil {
		return nil, err
	}
	res := &Result{Score: score}
	if c.secondary != nil {
		s, err := c.compute(c.secondary, pairs)
		if err != nil {
			return nil, err
		}
		res.ScoreSecondary = &s
	}

	if c.renderMedia {
		path, err := c.render(req.SubmissionID, pairs)
		if err != nil {
			return nil, fmt.Errorf("rendering media: %w", err)
		}
		res.MediaImagePath = path
	}

	c.logger.Debug("scored submission",
		"submission_id", req.SubmissionID,
		"participant_id", req.ParticipantID,
		"round", c.round,
		"rows", len(pairs),
		c.primary.Name(), score)
	return res, nil
}

func (c *Challenge) readSubmission(path string) (*dataset.Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &SubmissionFormatError{Reason: "no submission file given"}
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SubmissionFormatError{Reason: "submission file not found", Err: err}
		}
		return nil, &SubmissionFormatError{Reason: "submission file could not be opened", Err: err}
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		return nil, &SubmissionFormatError{Reason: "submission is a directory, not a file"}
	}
	return readTable(f, c.submission)
}

func readTable(r io.Reader, opts dataset.Options) (*dataset.Table, error) {
	t, err := dataset.Read(r, opts)
	if err != nil {
		var fe *dataset.FormatError
		if errors.As(err, &fe) {
			return nil, &SubmissionFormatError{Reason: fe.Reason, Err: err}
		}
		return nil, &SubmissionFormatError{Reason: "submission could not be read", Err: err}
	}
	return t, nil
}

// align pairs every ground-truth row with exactly one submission row.
func align(sub, answers *dataset.Table) ([]metric.Pair, error) {
	if sub.Len() == 0 {
		return nil, Scoringf("submission contains no rows; expected %d", answers.Len())
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for _, row := range sub.Rows {
		if row.ID == "" {
			return nil, Scoringf("line %d: empty id", row.Line)
		}
		if !seen.Add(row.ID) {
			first, _ := sub.Lookup(row.ID)
			return nil, Scoringf("line %d: duplicate id %q (first seen on line %d)", row.Line, row.ID, first.Line)
		}
	}

	expected := mapset.NewThreadUnsafeSetWithSize[string](answers.Len())
	for _, row := range answers.Rows {
		expected.Add(row.ID)
	}
	if missing := expected.Difference(seen); missing.Cardinality() > 0 {
		return nil, Scoringf("submission is missing %d of %d ids (e.g. %s)",
			missing.Cardinality(), expected.Cardinality(), examples(missing))
	}
	if unknown := seen.Difference(expected); unknown.Cardinality() > 0 {
		return nil, Scoringf("submission contains %d unknown ids (e.g. %s)",
			unknown.Cardinality(), examples(unknown))
	}

	pairs := make([]metric.Pair, 0, answers.Len())
	for _, want := range answers.Rows {
		got, _ := sub.Lookup(want.ID)
		pairs = append(pairs, metric.Pair{
			ID:        want.ID,
			Line:      got.Line,
			Predicted: got.Value,
			Actual:    want.Value,
		})
	}
	return pairs, nil
}

func examples(ids mapset.Set[string]) string {
	list := ids.ToSlice()
	sort.Strings(list)
	if len(list) > maxExamples {
		list = list[:maxExamples]
	}
	quoted := make([]string, len(list))
	for i, id := range list {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return strings.Join(quoted, ", ")
}

func (c *Challenge) checkRange(pairs []metric.Pair) error {
	if c.valueRange == nil {
		return nil
	}
	for _, p := range pairs {
		v, ok := metric.ParseNumber(p.Predicted)
		if !ok {
			return Scoringf("line %d (id %q): value %q is not a finite number", p.Line, p.ID, p.Predicted)
		}
		if v < c.valueRange.Min || v > c.valueRange.Max {
			return Scoringf("line %d (id %q): value %g is outside [%g, %g]",
				p.Line, p.ID, v, c.valueRange.Min, c.valueRange.Max)
		}
	}
	return nil
}

func (c *Challenge) compute(m metric.Metric, pairs []metric.Pair) (float64, error) {
	v, err := m.Compute(pairs)
	if err != nil {
		var ve *metric.ValueError
		if errors.As(err, &ve) && ve.Side == metric.SideSubmission {
			return 0, Scoringf("line %d (id %q): value %q is not a finite number", ve.Line, ve.ID, ve.Value)
		}
		return 0, fmt.Errorf("computing %s: %w", m.Name(), err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		// Both sides parsed as finite numbers, so the metric overflowed on
		// the submitted magnitudes.
		if _, _, err := metric.Numeric(pairs); err == nil {
			return 0, Scoringf("submission values are too large to score with %s", m.Name())
		}
		return 0, fmt.Errorf("computing %s: non-finite result %v", m.Name(), v)
	}
	return v, nil
}

func (c *Challenge) render(id ID, pairs []metric.Pair) (string, error) {
	var h *media.Histogram
	if pred, actual, err := metric.Numeric(pairs); err == nil {
		h = media.Residuals(pred, actual, residualBins)
	} else {
		var hits int
		for _, p := range pairs {
			if strings.TrimSpace(p.Predicted) == strings.TrimSpace(p.Actual) {
				hits++
			}
		}
		h = media.Matches(hits, len(pairs)-hits)
	}
	h.Title = fmt.Sprintf("round %d %s", c.round, h.Title)
	return h.WritePNG(c.mediaDir, fmt.Sprintf("submission-%s-residuals.png", id.Slug()))
}
