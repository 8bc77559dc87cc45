// Package scan runs one incremental pass over an nginx log and bans the
// clients whose requests match the rule set.
package scan

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/denylist"
	"github.com/Anipaleja/miniwaf/internal/position"
	"github.com/Anipaleja/miniwaf/pkg/logparser"
	"github.com/Anipaleja/miniwaf/pkg/patterns"
)

// Options selects the files a pass works on.
type Options struct {
	LogPath        string
	PositionPath   string
	DenyPath       string
	MaxLineLength  int
	SkipBlankLines bool
	DryRun         bool
}

// Skip counters, keyed by reason.
const (
	SkipMalformed   = "malformed"
	SkipDenied      = "denied"
	SkipWhitelisted = "whitelisted"
	SkipNoMatch     = "no_match"
)

// Result summarises a pass.
type Result struct {
	LogPath       string            `json:"log_path"`
	StartOffset   int64             `json:"start_offset"`
	EndOffset     int64             `json:"end_offset"`
	Rotated       bool              `json:"rotated"`
	Stop          string            `json:"stop"`
	Lines         int               `json:"lines"`
	Candidates    int               `json:"candidates"`
	Skipped       map[string]int    `json:"skipped"`
	Bans          []denylist.Record `json:"bans"`
	DryRun        bool              `json:"dry_run"`
	PositionSaved bool              `json:"position_saved"`
	StartedAt     time.Time         `json:"started_at"`
	Duration      time.Duration     `json:"duration"`
}

// Run holds the resources of a single pass.
type Run struct {
	opts      Options
	matcher   *patterns.Matcher
	whitelist *denylist.Whitelist
	logger    *logrus.Logger

	store  *position.Store
	start  int64
	view   *logparser.View
	ledger *denylist.Ledger
}

// Open acquires the position, the log view and the deny ledger, in that
// order. Anything acquired before a failure is released.
func Open(opts Options, matcher *patterns.Matcher, whitelist *denylist.Whitelist, logger *logrus.Logger) (*Run, error) {
	if opts.PositionPath == "" {
		opts.PositionPath = position.DefaultPath(opts.LogPath)
	}
	if matcher == nil {
		matcher = patterns.NewMatcher(nil)
	}

	r := &Run{
		opts:      opts,
		matcher:   matcher,
		whitelist: whitelist,
		logger:    logger,
		store:     position.New(opts.PositionPath),
	}

	start, err := r.store.Load()
	if err != nil {
		// A corrupt position only costs a rescan; the ledger prevents duplicates.
		logger.WithError(err).Warn("Ignoring unreadable position, scanning from the beginning")
	}
	r.start = start

	r.view, err = logparser.OpenView(opts.LogPath)
	if err != nil {
		return nil, err
	}

	r.ledger, err = denylist.Open(opts.DenyPath, logger)
	if err != nil {
		r.view.Close()
		return nil, err
	}

	return r, nil
}

// Execute scans the log from the saved position to the end.
func (r *Run) Execute() (*Result, error) {
	result := &Result{
		LogPath:     r.opts.LogPath,
		StartOffset: r.start,
		Skipped: map[string]int{
			SkipMalformed:   0,
			SkipDenied:      0,
			SkipWhitelisted: 0,
			SkipNoMatch:     0,
		},
		DryRun:    r.opts.DryRun,
		StartedAt: time.Now(),
	}

	scanner := r.view.Scan(r.start, logparser.ScanOptions{
		MaxLineLength:  r.opts.MaxLineLength,
		SkipBlankLines: r.opts.SkipBlankLines,
	})
	if scanner.Rotated() {
		result.Rotated = true
		result.StartOffset = 0
		r.logger.WithFields(logrus.Fields{
			"log":      r.opts.LogPath,
			"position": r.start,
			"size":     r.view.Size(),
		}).Warn("Log is shorter than saved position, assuming rotation and rescanning from the beginning")
	}

	for scanner.Next() {
		result.Lines++
		if err := r.handle(scanner.Line(), result); err != nil {
			result.EndOffset = scanner.Offset()
			result.Duration = time.Since(result.StartedAt)
			return result, err
		}
	}

	result.EndOffset = scanner.Offset()
	result.Stop = scanner.Stop().String()

	switch scanner.Stop() {
	case logparser.StopReadError:
		result.Duration = time.Since(result.StartedAt)
		return result, fmt.Errorf("failed to read %s: %w", r.opts.LogPath, scanner.Err())
	case logparser.StopOversized:
		r.logger.WithFields(logrus.Fields{
			"log":    r.opts.LogPath,
			"offset": scanner.Offset(),
			"limit":  r.maxLineLength(),
		}).Error("Log line exceeds maximum length, stopping pass")
	case logparser.StopBlankLine:
		r.logger.WithField("offset", scanner.Offset()).Debug("Blank line reached, stopping pass")
	}

	if r.opts.DryRun {
		r.logger.WithField("position", result.EndOffset).Info("Dry run, position not saved")
	} else if err := r.store.Save(result.EndOffset); err != nil {
		r.logger.WithError(err).Warn("Failed to save position, next pass will rescan")
	} else {
		result.PositionSaved = true
	}

	result.Duration = time.Since(result.StartedAt)

	r.logger.WithFields(logrus.Fields{
		"lines":      result.Lines,
		"candidates": result.Candidates,
		"bans":       len(result.Bans),
		"offset":     result.EndOffset,
		"stop":       result.Stop,
	}).Info("Scan pass finished")

	return result, nil
}

func (r *Run) handle(line logparser.Line, result *Result) error {
	candidate, err := logparser.Classify(line.Text)
	if err != nil {
		if errors.Is(err, logparser.ErrInvalidAddress) {
			result.Skipped[SkipMalformed]++
			r.logger.WithError(err).WithField("offset", line.Offset).Debug("Skipping line with malformed address")
		}
		return nil
	}
	result.Candidates++

	if r.ledger.IsDenied(candidate.Numeric) {
		result.Skipped[SkipDenied]++
		return nil
	}
	if r.whitelist.Contains(candidate.Addr) {
		result.Skipped[SkipWhitelisted]++
		return nil
	}

	rule, ok := r.matcher.FirstMatch(line.Text)
	if !ok {
		result.Skipped[SkipNoMatch]++
		return nil
	}

	rec := denylist.Record{
		Numeric:  candidate.Numeric,
		IP:       candidate.IP,
		Rule:     rule.String(),
		Format:   candidate.Format.String(),
		BannedAt: time.Now().UTC(),
	}

	if r.opts.DryRun {
		r.ledger.MarkDenied(rec.Numeric)
	} else if err := r.ledger.Deny(rec); err != nil {
		return err
	}
	result.Bans = append(result.Bans, rec)

	r.logger.WithFields(logrus.Fields{
		"ip":      rec.IP,
		"rule":    rec.Rule,
		"format":  rec.Format,
		"dry_run": r.opts.DryRun,
	}).Warn("Appended address to deny configuration")

	return nil
}

func (r *Run) maxLineLength() int {
	if r.opts.MaxLineLength > 0 {
		return r.opts.MaxLineLength
	}
	return logparser.DefaultMaxLineLength
}

// Close releases the log view and the deny ledger.
func (r *Run) Close() error {
	var firstErr error
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close deny configuration: %w", err)
		}
		r.ledger = nil
	}
	if r.view != nil {
		if err := r.view.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.view = nil
	}
	return firstErr
}

// Once opens, executes and closes a pass.
func Once(opts Options, matcher *patterns.Matcher, whitelist *denylist.Whitelist, logger *logrus.Logger) (*Result, error) {
	run, err := Open(opts, matcher, whitelist, logger)
	if err != nil {
		return nil, err
	}
	defer run.Close()

	return run.Execute()
}
