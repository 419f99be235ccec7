package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pytrms/componist/internal/db"
	"github.com/pytrms/componist/internal/models"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	writesLimit  int
	showEvents   bool
	eventsLimit  int
	eventsCursor string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of sessions")
	historyShowCmd.Flags().IntVar(&writesLimit, "writes", 50, "maximum number of writes to show")
	historyShowCmd.Flags().BoolVar(&showEvents, "events", false, "include the session's event log")
	historyShowCmd.Flags().IntVar(&eventsLimit, "event-limit", 50, "maximum number of events per page")
	historyShowCmd.Flags().StringVar(&eventsCursor, "cursor", "", "continue the event log after this event ID (implies --events)")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		sessions, err := db.NewSessionRepository(database).List(context.Background(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded yet.")
			fmt.Println("Next: componist run <composition>")
			return nil
		}

		rows := make([][]string, 0, len(sessions))
		for _, s := range sessions {
			rows = append(rows, []string{
				s.ID,
				s.Composition,
				formatSessionStatus(s.Status),
				fmt.Sprintf("%d", s.Dispatched),
				fmt.Sprintf("%d", s.LastCycle),
				formatTime(&s.StartedAt),
			})
		}
		return writeTable(os.Stdout, []string{"ID", "COMPOSITION", "STATUS", "WRITES", "LAST CYCLE", "STARTED"}, rows)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and the writes it dispatched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		var page *eventPage
		if showEvents || eventsCursor != "" {
			page = &eventPage{Limit: eventsLimit, Cursor: eventsCursor}
		}
		detail, err := loadSessionDetail(ctx, database, args[0], writesLimit, page)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, detail)
		}
		return printSessionDetail(detail)
	},
}

// SessionDetail is the JSON form of `componist history show`.
type SessionDetail struct {
	Session     *models.Session          `json:"session"`
	TotalWrites int64                    `json:"total_writes"`
	Writes      []*models.ScheduledWrite `json:"writes"`
	TotalEvents int64                    `json:"total_events,omitempty"`
	Events      []*models.Event          `json:"events,omitempty"`
	NextCursor  string                   `json:"next_cursor,omitempty"`
}

// eventPage selects the slice of the event log to include.
type eventPage struct {
	Limit  int
	Cursor string
}

func loadSessionDetail(ctx context.Context, database *db.DB, id string, limit int, events *eventPage) (*SessionDetail, error) {
	session, err := db.NewSessionRepository(database).Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			return nil, &PreflightError{
				Message:  fmt.Sprintf("session %s not found", id),
				NextStep: "componist history",
			}
		}
		return nil, err
	}

	schedule := db.NewScheduleRepository(database)
	writes, err := schedule.ListBySession(ctx, session.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list writes: %w", err)
	}
	total, err := schedule.CountBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count writes: %w", err)
	}

	detail := &SessionDetail{Session: session, TotalWrites: total, Writes: writes}
	if events == nil {
		return detail, nil
	}

	entityType := models.EntityTypeSession
	query := db.EventQuery{
		EntityType: &entityType,
		EntityID:   &session.ID,
		Cursor:     events.Cursor,
		Limit:      events.Limit,
	}
	repo := db.NewEventRepository(database)
	page, err := repo.Query(ctx, query)
	if err != nil {
		if errors.Is(err, db.ErrInvalidEvent) {
			return nil, &PreflightError{
				Message:  err.Error(),
				Hint:     "Use the next_cursor printed by a previous page",
				NextStep: fmt.Sprintf("componist history show %s --events", session.ID),
			}
		}
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	detail.TotalEvents, err = repo.Count(ctx, query)
	if err != nil {
		return nil, err
	}
	detail.Events = page.Events
	detail.NextCursor = page.NextCursor
	return detail, nil
}

func printSessionDetail(detail *SessionDetail) error {
	s := detail.Session
	fmt.Println(styleTitle(fmt.Sprintf("Session %s", s.ID)))
	fmt.Printf("Composition: %s\n", s.Composition)
	fmt.Printf("Status:      %s\n", formatSessionStatus(s.Status))
	fmt.Printf("Dry run:     %s\n", formatYesNo(s.DryRun))
	fmt.Printf("Runs:        %s (start cycle %d, foresight %d runs)\n", formatMaxRuns(s.Options.MaxRuns), s.Options.StartCycle, s.Options.ForesightRuns)
	fmt.Printf("Started:     %s\n", formatTime(&s.StartedAt))
	fmt.Printf("Finished:    %s\n", formatTime(s.FinishedAt))
	fmt.Printf("Last cycle:  %d\n", s.LastCycle)
	if s.Error != "" {
		fmt.Printf("Error:       %s\n", s.Error)
	}
	fmt.Println()

	fmt.Println(styleMuted(fmt.Sprintf("Writes (%d of %d):", len(detail.Writes), detail.TotalWrites)))
	rows := make([][]string, 0, len(detail.Writes))
	for _, w := range detail.Writes {
		rows = append(rows, []string{fmt.Sprintf("%d", w.Cycle), w.ParID, formatValue(w.Value)})
	}
	if err := writeTable(os.Stdout, []string{"CYCLE", "PARAMETER", "VALUE"}, rows); err != nil {
		return err
	}

	if detail.TotalEvents > 0 {
		fmt.Println()
		fmt.Println(styleMuted(fmt.Sprintf("Events (%d of %d):", len(detail.Events), detail.TotalEvents)))
		rows = make([][]string, 0, len(detail.Events))
		for _, e := range detail.Events {
			ts := e.Timestamp
			rows = append(rows, []string{formatTime(&ts), string(e.Type), string(e.Payload)})
		}
		if err := writeTable(os.Stdout, []string{"TIME", "TYPE", "PAYLOAD"}, rows); err != nil {
			return err
		}
		if detail.NextCursor != "" {
			fmt.Printf("Next: componist history show %s --cursor %s\n", s.ID, detail.NextCursor)
		}
	}
	return nil
}
