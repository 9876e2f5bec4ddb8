package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notesclient"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/syncengine"
)

// clientStack is the device side of synchronization: the local database, the queue and
// the engine draining it against the server.
type clientStack struct {
	db          *gorm.DB
	logger      *zap.Logger
	userID      notes.UserID
	persistence *notesclient.Client
	queue       *offline.Queue
	cache       *offline.SnapshotCache
	store       *offline.Store
	resolver    *conflict.Resolver
	engine      *syncengine.Engine
}

func (s *clientStack) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	_ = database.Close(s.db)
	_ = s.logger.Sync()
}

var clientFlagKeys = map[string]string{
	"server-url":        "client.server_url",
	"token":             "client.token",
	"client-database":   "client.database_path",
	"user-id":           "client.user_id",
	"conflict-policy":   "sync.conflict_policy",
	"max-retries":       "sync.max_retries",
	"concurrency":       "sync.concurrency",
	"operation-timeout": "sync.operation_timeout",
}

func defineClientFlags(cmd *cobra.Command, defaults *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("server-url", defaults.GetString("client.server_url"), "Note API base URL")
	flags.String("token", "", "Session token (overrides env)")
	flags.String("client-database", defaults.GetString("client.database_path"), "Local SQLite database path")
	flags.String("user-id", defaults.GetString("client.user_id"), "Canonical user id that owns local edits")
	flags.String("conflict-policy", "", "Automatic conflict policy (use-local, use-remote)")
	flags.Int("max-retries", defaults.GetInt("sync.max_retries"), "Attempts before a failing entry is abandoned")
	flags.Int("concurrency", defaults.GetInt("sync.concurrency"), "Notes drained in parallel")
	flags.Duration("operation-timeout", defaults.GetDuration("sync.operation_timeout"), "Timeout for each server call")
}

// openClientStack binds the flags of the command being run; several commands share the
// same keys, so binding at definition time would leave only the last one effective.
func openClientStack(cmd *cobra.Command) (*clientStack, error) {
	for flag, key := range clientFlagKeys {
		bindFlag(cmd.Flags().Lookup(flag), key)
	}
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(logging.FormatConsole)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenClient(clientConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	stack := &clientStack{db: db, logger: logger, userID: notes.UserID(clientConfig.UserID)}

	stack.persistence, err = notesclient.New(notesclient.Config{
		BaseURL: clientConfig.ServerURL,
		Token:   clientConfig.SessionToken,
		Logger:  logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.queue, err = offline.NewQueue(offline.QueueConfig{
		Database:   db,
		MaxRetries: clientConfig.MaxRetries,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.cache, err = offline.NewSnapshotCache(db, time.Now, logger)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.store, err = offline.NewStore(stack.queue, stack.cache)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.resolver, err = conflict.NewResolver(conflict.ResolverConfig{
		Database:    db,
		Persistence: stack.persistence,
		Queue:       stack.queue,
		Cache:       stack.cache,
		Policy:      clientConfig.ConflictPolicy,
		Clock:       time.Now,
		IDProvider:  notes.NewUUIDProvider(),
		Logger:      logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.engine, err = syncengine.New(syncengine.Config{
		Queue:            stack.queue,
		Cache:            stack.cache,
		Resolver:         stack.resolver,
		Persistence:      stack.persistence,
		Debounce:         clientConfig.SyncDebounce,
		OperationTimeout: clientConfig.OperationTimeout,
		Concurrency:      clientConfig.SyncConcurrency,
		Logger:           logger,
	})
	if err != nil {
		stack.Close()
		return nil, err
	}
	return stack, nil
}

func newSyncCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the local offline queue once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openClientStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()

			result, err := stack.engine.StartSync(cmd.Context())
			if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
	defineClientFlags(cmd, defaults)
	return cmd
}

type queueEntryOutput struct {
	ID          string    `json:"id"`
	NoteID      string    `json:"noteId"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retryCount"`
	FailureKind string    `json:"failureKind,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	ConflictID  string    `json:"conflictId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type queueOutput struct {
	Pending   []queueEntryOutput `json:"pending"`
	Abandoned []queueEntryOutput `json:"abandoned"`
}

func newQueueCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending and abandoned queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openClientStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()

			live, err := stack.queue.GetQueue(cmd.Context())
			if err != nil {
				return err
			}
			abandoned, err := stack.queue.Abandoned(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), queueOutput{Pending: queueEntries(live), Abandoned: queueEntries(abandoned)})
		},
	}
	discard := &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Remove an abandoned entry from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openClientStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()
			return stack.queue.Discard(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(discard)
	defineClientFlags(cmd, defaults)
	return cmd
}

type conflictOutput struct {
	ID            string            `json:"id"`
	NoteID        string            `json:"noteId"`
	Kind          string            `json:"kind"`
	Fields        []notes.Field     `json:"fields"`
	Local         notes.NoteFields  `json:"local"`
	Remote        *notes.NoteFields `json:"remote,omitempty"`
	RemoteDeleted bool              `json:"remoteDeleted"`
	Status        string            `json:"status"`
	Strategy      string            `json:"strategy,omitempty"`
}

func newConflictsCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := openClientStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()

			pending, err := stack.resolver.Pending(cmd.Context())
			if err != nil {
				return err
			}
			output := make([]conflictOutput, 0, len(pending))
			for _, record := range pending {
				output = append(output, conflictView(record))
			}
			return writeJSON(cmd.OutOrStdout(), output)
		},
	}
	var strategy string
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Settle a conflict with use-local or use-remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := conflict.ParseStrategy(strategy)
			if err != nil {
				return fmt.Errorf("--strategy: %w", err)
			}
			stack, err := openClientStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()

			resolved, err := stack.resolver.Resolve(cmd.Context(), args[0], parsed)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), conflictView(resolved))
		},
	}
	resolve.Flags().StringVar(&strategy, "strategy", string(conflict.StrategyUseLocal), "Resolution strategy (use-local, use-remote)")
	cmd.AddCommand(resolve)
	defineClientFlags(cmd, defaults)
	return cmd
}

func queueEntries(entries []offline.PendingOperation) []queueEntryOutput {
	output := make([]queueEntryOutput, 0, len(entries))
	for _, entry := range entries {
		output = append(output, queueEntryOutput{
			ID:          entry.ID,
			NoteID:      entry.NoteID,
			Kind:        string(entry.Kind),
			Status:      string(entry.Status),
			RetryCount:  entry.RetryCount,
			FailureKind: string(entry.FailureKind),
			LastError:   entry.LastError,
			ConflictID:  entry.ConflictID,
			CreatedAt:   entry.CreatedAt,
		})
	}
	return output
}

func conflictView(record conflict.Conflict) conflictOutput {
	return conflictOutput{
		ID:            record.ID,
		NoteID:        record.NoteID.String(),
		Kind:          string(record.Kind),
		Fields:        record.Fields,
		Local:         record.Local,
		Remote:        record.Remote,
		RemoteDeleted: record.RemoteDeleted,
		Status:        string(record.Status),
		Strategy:      string(record.Strategy),
	}
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
