package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/TalG1018/PsyCounselor/pkg/session"
	"github.com/TalG1018/PsyCounselor/pkg/window"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a JSONL transcript into session buffers",
	Long: `Feed a recorded transcript through the context buffers, one turn per
line, and print the resulting statistics for every session touched.

Each line is a JSON object:
  {"session_id": "u1", "user_text": "...", "agent_text": "...",
   "emotion_intensity": 0.7, "keywords": ["sleep"]}

Lines without a session_id go to --session-id.

Examples:
  counsel replay --file transcript.jsonl
  counsel replay --file transcript.jsonl --session-id u1 --storage memory`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("file", "", "JSONL transcript (- for stdin)")
	replayCmd.Flags().String("session-id", "replay", "Session for lines without a session_id")
	replayCmd.Flags().Bool("no-progress", false, "Disable the progress bar")
	_ = replayCmd.MarkFlagRequired("file")
}

// replayLine is one transcript record.
type replayLine struct {
	SessionID string `json:"session_id"`
	window.TurnInput
}

// ReplaySummary is printed once the transcript is consumed.
type ReplaySummary struct {
	Turns    int                     `json:"turns"`
	Sessions map[string]window.Stats `json:"sessions"`
}

func runReplay(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	defaultID, _ := cmd.Flags().GetString("session-id")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	lines, err := readTranscript(in, defaultID)
	if err != nil {
		return err
	}

	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		progress := io.Discard
		if !noProgress {
			progress = cmd.ErrOrStderr()
		}
		summary, err := replay(cmd.Context(), r, lines, progress)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	})
}

// readTranscript parses JSONL records, filling in defaultID where a line
// names no session. Blank lines are skipped.
func readTranscript(r io.Reader, defaultID string) ([]replayLine, error) {
	var lines []replayLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	n := 0
	for scanner.Scan() {
		n++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line replayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if line.SessionID == "" {
			line.SessionID = defaultID
		}
		if line.EmotionIntensity < 0 || line.EmotionIntensity > 1 {
			return nil, fmt.Errorf("line %d: emotion_intensity must be between 0 and 1", n)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return lines, nil
}

// replay adds every line to the registry in order, drawing a progress bar
// on progress.
func replay(ctx context.Context, r *session.Registry, lines []replayLine, progress io.Writer) (ReplaySummary, error) {
	bar := progressbar.NewOptions(len(lines),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("replaying turns"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	touched := make(map[string]bool)
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return ReplaySummary{}, err
		}
		if _, err := r.AddTurn(ctx, line.SessionID, line.TurnInput); err != nil {
			return ReplaySummary{}, fmt.Errorf("turn %d (session %s): %w", i+1, line.SessionID, err)
		}
		touched[line.SessionID] = true
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	summary := ReplaySummary{Turns: len(lines), Sessions: make(map[string]window.Stats, len(touched))}
	for id := range touched {
		stats, err := r.Stats(ctx, id)
		if err != nil {
			return ReplaySummary{}, err
		}
		summary.Sessions[id] = stats
	}
	return summary, nil
}
