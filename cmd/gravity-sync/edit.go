package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/offline"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/syncengine"
)

var errMissingUserID = errors.New("a user id is required for local edits (--user-id or GRAVITY_CLIENT_USER_ID)")

type editOutput struct {
	Entry queueEntryOutput   `json:"entry"`
	Sync  *syncengine.Result `json:"sync,omitempty"`
}

func newEditCommand(defaults *viper.Viper) *cobra.Command {
	var (
		create   bool
		remove   bool
		drain    bool
		title    string
		content  string
		summary  string
		category string
		tags     []string
	)
	cmd := &cobra.Command{
		Use:   "edit <note-id>",
		Short: "Record a local edit in the offline queue",
		Long: "Record a local edit against the cached copy of a note. A note the device has not\n" +
			"cached yet is fetched from the server first. Only flags that are set are changed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if create && remove {
				return errors.New("--create and --delete are mutually exclusive")
			}
			stack, err := openClientStack(cmd)
			if err != nil {
				return err
			}
			defer stack.Close()
			if stack.userID == "" {
				return errMissingUserID
			}

			ctx := cmd.Context()
			noteID := notes.NoteID(args[0])
			patch := editPatch(cmd, title, content, summary, category, tags)

			var entry offline.PendingOperation
			switch {
			case remove:
				entry, err = stack.store.DeleteNote(ctx, stack.userID, noteID)
			case create:
				entry, err = stack.store.CreateNote(ctx, stack.userID, noteID, notes.NoteFields{}.Apply(patch))
			default:
				if patch.Empty() {
					return errors.New("nothing to change: set at least one of --title, --content, --summary, --category, --tags")
				}
				if err := ensureCached(ctx, stack, noteID); err != nil {
					return err
				}
				entry, err = stack.store.UpdateNote(ctx, stack.userID, noteID, patch)
			}
			if err != nil {
				return err
			}

			output := editOutput{Entry: queueEntries([]offline.PendingOperation{entry})[0]}
			if drain {
				result, syncErr := stack.engine.StartSync(ctx)
				output.Sync = &result
				if writeErr := writeJSON(cmd.OutOrStdout(), output); writeErr != nil {
					return writeErr
				}
				return syncErr
			}
			return writeJSON(cmd.OutOrStdout(), output)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&create, "create", false, "Create the note instead of updating it")
	flags.BoolVar(&remove, "delete", false, "Delete the note")
	flags.BoolVar(&drain, "sync", false, "Drain the queue right after recording the edit")
	flags.StringVar(&title, "title", "", "New title")
	flags.StringVar(&content, "content", "", "New content")
	flags.StringVar(&summary, "summary", "", "New summary")
	flags.StringVar(&category, "category", "", "New category id")
	flags.StringSliceVar(&tags, "tags", nil, "New tag ids, comma separated")
	defineClientFlags(cmd, defaults)
	return cmd
}

func editPatch(cmd *cobra.Command, title, content, summary, category string, tags []string) notes.FieldPatch {
	var patch notes.FieldPatch
	flags := cmd.Flags()
	if flags.Changed("title") {
		patch.Title = &title
	}
	if flags.Changed("content") {
		patch.Content = &content
	}
	if flags.Changed("summary") {
		patch.Summary = &summary
	}
	if flags.Changed("category") {
		patch.CategoryID = &category
	}
	if flags.Changed("tags") {
		patch.TagIDs = &tags
	}
	return patch
}

// ensureCached seeds the snapshot cache with the server copy, which becomes the base of the
// first local edit.
func ensureCached(ctx context.Context, stack *clientStack, noteID notes.NoteID) error {
	_, err := stack.cache.Get(ctx, noteID)
	if !errors.Is(err, offline.ErrSnapshotNotFound) {
		return err
	}
	snapshot, err := stack.persistence.GetNoteByID(ctx, stack.userID, noteID)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", noteID, err)
	}
	return stack.cache.Put(ctx, stack.userID, noteID, snapshot.Fields, offline.SyncStatusSynced)
}
