package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TalG1018/PsyCounselor/pkg/session"
	"github.com/TalG1018/PsyCounselor/pkg/window"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation buffers",
	Long: `Record turns into a session's context buffer and inspect it.

Each session holds its turns under the configured token budget. When a
turn pushes it over, low-importance turns are evicted first and early
history is then compacted into a summary turn.

Examples:
  counsel session add --session-id u1 --user "I can't sleep" --agent "Since when?" --emotion 0.7
  counsel session context --session-id u1 --max-turns 5
  counsel session stats --session-id u1
  counsel session turns --session-id u1
  counsel session clear --session-id u1
  counsel session delete --session-id u1
  counsel session list`,
}

var sessionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a turn to a session",
	RunE:  runSessionAdd,
}

var sessionContextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the rendered context of a session",
	RunE:  runSessionContext,
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print token statistics for a session",
	RunE:  runSessionStats,
}

var sessionTurnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "Print the turns a session holds",
	RunE:  runSessionTurns,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every turn of a session",
	RunE:  runSessionClear,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a session and its snapshot",
	RunE:  runSessionDelete,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE:  runSessionList,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionAddCmd, sessionContextCmd, sessionStatsCmd, sessionTurnsCmd, sessionClearCmd, sessionDeleteCmd, sessionListCmd)

	// Add flags
	sessionAddCmd.Flags().String("session-id", "", "Session ID (auto-generated if empty)")
	sessionAddCmd.Flags().String("user", "", "User text")
	sessionAddCmd.Flags().String("agent", "", "Counselor reply")
	sessionAddCmd.Flags().Float64("emotion", 0, "Emotion intensity (0-1)")
	sessionAddCmd.Flags().StringSlice("keywords", nil, "Topic keywords")

	// Context flags
	sessionContextCmd.Flags().String("session-id", "", "Session ID")
	sessionContextCmd.Flags().Int("max-turns", -1, "Trailing turns to render (0 = all, default from session.context_turns)")
	_ = sessionContextCmd.MarkFlagRequired("session-id")

	for _, c := range []*cobra.Command{sessionStatsCmd, sessionTurnsCmd, sessionClearCmd, sessionDeleteCmd} {
		c.Flags().String("session-id", "", "Session ID")
		_ = c.MarkFlagRequired("session-id")
	}
}

// withRegistry loads settings, opens a registry for the duration of fn
// and closes it afterwards.
func withRegistry(cmd *cobra.Command, fn func(cfg settings, r *session.Registry) error) error {
	cfg, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	r, err := newRegistry(cmd.Context(), cfg, session.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	return fn(cfg, r)
}

func runSessionAdd(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session-id")
	user, _ := cmd.Flags().GetString("user")
	agent, _ := cmd.Flags().GetString("agent")
	emotion, _ := cmd.Flags().GetFloat64("emotion")
	keywords, _ := cmd.Flags().GetStringSlice("keywords")

	if emotion < 0 || emotion > 1 {
		return fmt.Errorf("--emotion must be between 0 and 1, got %g", emotion)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		stats, err := r.AddTurn(cmd.Context(), sessionID, window.TurnInput{
			UserText:         user,
			AgentText:        agent,
			EmotionIntensity: emotion,
			Keywords:         keywords,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), TurnResponse{SessionID: sessionID, Stats: stats})
	})
}

func runSessionContext(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session-id")
	maxTurns, _ := cmd.Flags().GetInt("max-turns")

	return withRegistry(cmd, func(cfg settings, r *session.Registry) error {
		if maxTurns < 0 {
			maxTurns = cfg.Session.ContextTurns
		}
		text, err := r.Context(cmd.Context(), sessionID, maxTurns)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
		return err
	})
}

func runSessionStats(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session-id")

	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		stats, err := r.Stats(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	})
}

func runSessionTurns(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session-id")

	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		resp, err := sessionTurns(cmd.Context(), r, sessionID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	})
}

func runSessionClear(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session-id")

	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		if err := r.Clear(cmd.Context(), sessionID); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"session_id": sessionID, "cleared": true})
	})
}

func runSessionDelete(cmd *cobra.Command, _ []string) error {
	sessionID, _ := cmd.Flags().GetString("session-id")

	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		if err := r.Delete(cmd.Context(), sessionID); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"session_id": sessionID, "deleted": true})
	})
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	return withRegistry(cmd, func(_ settings, r *session.Registry) error {
		infos, err := r.List(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"sessions": infos, "count": len(infos)})
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
