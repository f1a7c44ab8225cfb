package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/result"
)

// Standing is one leaderboard row: a participant's best scored submission.
type Standing struct {
	Rank           int          `json:"rank"`
	Participant    evaluator.ID `json:"participant_id"`
	SubmissionID   evaluator.ID `json:"submission_id"`
	Score          float64      `json:"score"`
	ScoreSecondary *float64     `json:"score_secondary,omitempty"`
	Submissions    int          `json:"submissions"`
	Rejected       int          `json:"rejected"`
	EvaluatedAt    time.Time    `json:"evaluated_at"`
	MediaImagePath string       `json:"media_image_path,omitempty"`
}

type Leaderboard struct {
	PrimaryMetric   string     `json:"primary_metric"`
	HigherIsBetter  bool       `json:"higher_is_better"`
	SecondaryMetric string     `json:"secondary_metric,omitempty"`
	Standings       []Standing `json:"standings"`
	// Unranked counts participants without a scored submission.
	Unranked int `json:"unranked"`
}

// Generate reads the records of a run and writes its leaderboard.
func Generate(runDir, format string, w io.Writer) error {
	var records []*result.Record
	err := result.WalkRecords(runDir, func(_ string, rec *result.Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return err
	}

	lb := Build(records)

	switch format {
	case "markdown":
		return writeMarkdown(lb, w)
	case "json":
		return writeJSON(lb, w)
	default:
		return writeTable(lb, w)
	}
}

// entrant identifies who a record counts for. Records without a
// participant stand alone.
func entrant(rec *result.Record) evaluator.ID {
	if rec.ParticipantID != "" {
		return rec.ParticipantID
	}
	return "submission:" + rec.SubmissionID
}

// Build keeps each participant's best scored record and ranks them. Ties
// on both scores go to the earlier submission; entries equal in all three
// share a rank.
func Build(records []*result.Record) *Leaderboard {
	lb := &Leaderboard{}
	for _, r := range records {
		if r.Status == result.StatusScored {
			lb.PrimaryMetric = r.PrimaryMetric
			lb.HigherIsBetter = r.HigherIsBetter
			lb.SecondaryMetric = r.SecondaryMetric
			break
		}
	}

	type accum struct {
		best     *result.Record
		total    int
		rejected int
		shownAs  evaluator.ID
	}
	byEntrant := map[evaluator.ID]*accum{}
	for _, r := range records {
		key := entrant(r)
		a, ok := byEntrant[key]
		if !ok {
			a = &accum{shownAs: r.ParticipantID}
			byEntrant[key] = a
		}
		a.total++
		if r.Status == result.StatusRejected {
			a.rejected++
		}
		if r.Status == result.StatusScored && (a.best == nil || ahead(r, a.best)) {
			a.best = r
		}
	}

	var ranked []*accum
	for _, a := range byEntrant {
		if a.best == nil {
			lb.Unranked++
			continue
		}
		ranked = append(ranked, a)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ahead(ranked[i].best, ranked[j].best) {
			return true
		}
		if ahead(ranked[j].best, ranked[i].best) {
			return false
		}
		return ranked[i].shownAs < ranked[j].shownAs
	})

	for i, a := range ranked {
		rank := i + 1
		if i > 0 && !ahead(ranked[i-1].best, a.best) {
			rank = lb.Standings[i-1].Rank
		}
		lb.Standings = append(lb.Standings, Standing{
			Rank:           rank,
			Participant:    a.shownAs,
			SubmissionID:   a.best.SubmissionID,
			Score:          a.best.Score,
			ScoreSecondary: a.best.ScoreSecondary,
			Submissions:    a.total,
			Rejected:       a.rejected,
			EvaluatedAt:    a.best.EvaluatedAt,
			MediaImagePath: a.best.MediaImagePath,
		})
	}
	return lb
}

// ahead reports whether a ranks strictly before b.
func ahead(a, b *result.Record) bool {
	if a.Score != b.Score {
		return (a.Score > b.Score) == a.HigherIsBetter
	}
	if a.ScoreSecondary != nil && b.ScoreSecondary != nil && *a.ScoreSecondary != *b.ScoreSecondary {
		return (*a.ScoreSecondary > *b.ScoreSecondary) == a.SecondaryHigherIsBetter
	}
	return a.EvaluatedAt.Before(b.EvaluatedAt)
}

func formatSecondary(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func displayName(id evaluator.ID) string {
	if id == "" {
		return "(anonymous)"
	}
	return string(id)
}

func writeTable(lb *Leaderboard, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "RANK\tPARTICIPANT\tSUBMISSION\t%s\t%s\tSUBMISSIONS\tREJECTED\n",
		strings.ToUpper(lb.PrimaryMetric), strings.ToUpper(orDash(lb.SecondaryMetric)))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, s := range lb.Standings {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.4f\t%s\t%d\t%d\n",
			s.Rank, displayName(s.Participant), s.SubmissionID, s.Score, formatSecondary(s.ScoreSecondary), s.Submissions, s.Rejected)
	}
	if lb.Unranked > 0 {
		fmt.Fprintf(tw, "\n%d participant(s) without a scored submission\n", lb.Unranked)
	}
	return tw.Flush()
}

func writeMarkdown(lb *Leaderboard, w io.Writer) error {
	direction := "lower is better"
	if lb.HigherIsBetter {
		direction = "higher is better"
	}
	fmt.Fprintf(w, "Ranked by **%s** (%s).\n\n", lb.PrimaryMetric, direction)
	fmt.Fprintf(w, "| Rank | Participant | Submission | %s | %s | Submissions |\n", lb.PrimaryMetric, orDash(lb.SecondaryMetric))
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, s := range lb.Standings {
		fmt.Fprintf(w, "| %d | %s | %s | %.4f | %s | %d |\n",
			s.Rank, displayName(s.Participant), s.SubmissionID, s.Score, formatSecondary(s.ScoreSecondary), s.Submissions)
	}
	return nil
}

func writeJSON(lb *Leaderboard, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(lb)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
