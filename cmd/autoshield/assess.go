package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/config"
	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/history"
	"github.com/jmerrifield20/autoshield/internal/threat"
)

var (
	assessFile string
	assessKeep bool
)

// ── assess ───────────────────────────────────────────────────────────────────

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Score security events offline without contacting the tool endpoint",
	Long: `assess reads one or more JSON security events (a stream of objects) from
--file or stdin and prints the threat assessment for each. Nothing is
dispatched.

With --keep, each event is added to an in-memory history before the next
one is scored, so a replayed sequence shows frequency and pattern
escalation the way the live service would see it.`,
	Example: `  echo '{"event_type":"confirmed_attack","source_ip":"203.0.113.5"}' | autoshield assess
  autoshield assess --keep --file events.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck

		cfg, err := config.Load(cfgFile, logger)
		if err != nil {
			return err
		}

		var in io.Reader = cmd.InOrStdin()
		if assessFile != "" && assessFile != "-" {
			f, err := os.Open(assessFile)
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			defer f.Close()
			in = f
		}
		return assess(in, cmd.OutOrStdout(), cfg, assessKeep, logger)
	},
}

func init() {
	assessCmd.Flags().StringVarP(&assessFile, "file", "f", "", "file of JSON events (default stdin)")
	assessCmd.Flags().BoolVar(&assessKeep, "keep", false, "accumulate history across the events read")
}

type assessResult struct {
	Event      event.Event        `json:"event"`
	Assessment *threat.Assessment `json:"threat_assessment,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func assess(in io.Reader, out io.Writer, cfg *config.Config, keep bool, logger *zap.Logger) error {
	scorer := threat.NewRuleBasedScorer(cfg.Threat)
	store := history.NewStore(history.WithMaxPerSource(cfg.History.MaxPerSource))

	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	var n, invalid int
	for {
		var raw event.Event
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode event %d: %w", n+1, err)
		}
		n++

		ev, err := event.Normalize(raw, time.Now())
		if err != nil {
			invalid++
			if err := enc.Encode(assessResult{Event: raw, Error: err.Error()}); err != nil {
				return err
			}
			continue
		}

		recent := store.RecentEvents(ev.SourceID, scorer.Window())
		recent = append(recent, history.FromEvent(ev))
		a := scorer.Assess(ev, recent)
		if keep {
			store.Record(history.FromEvent(ev))
		}
		if err := enc.Encode(assessResult{Event: ev, Assessment: &a}); err != nil {
			return err
		}
	}

	logger.Debug("assessment finished", zap.Int("events", n), zap.Int("invalid", invalid))
	if n == 0 {
		return errors.New("no events read")
	}
	return nil
}
