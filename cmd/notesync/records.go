package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/spf13/cobra"
)

func newNoteCommand() *cobra.Command {
	noteCmd := &cobra.Command{
		Use:   "note",
		Short: "Edit notes in the local store",
	}

	var title, body, audioKey string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(current *session) error {
				saved, err := current.client.Save(&records.Note{
					Title:       title,
					ContentBody: body,
					Status:      records.StatusActive,
					AudioKey:    audioKey,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), saved.Header().ID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&title, "title", "", "Note title")
	addCmd.Flags().StringVar(&body, "body", "", "Note content")
	addCmd.Flags().StringVar(&audioKey, "audio-key", "", "Optional audio object key")

	var archive bool
	editCmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(current *session) error {
				id, err := records.NewRecordID(args[0])
				if err != nil {
					return err
				}
				record, err := current.client.Get(records.KindNote, id)
				if err != nil {
					return err
				}
				note := record.(*records.Note)
				if cmd.Flags().Changed("title") {
					note.Title = title
				}
				if cmd.Flags().Changed("body") {
					note.ContentBody = body
				}
				if cmd.Flags().Changed("archive") {
					note.Status = records.StatusActive
					if archive {
						note.Status = records.StatusArchived
					}
				}
				_, err = current.client.Save(note)
				return err
			})
		},
	}
	editCmd.Flags().StringVar(&title, "title", "", "New title")
	editCmd.Flags().StringVar(&body, "body", "", "New content")
	editCmd.Flags().BoolVar(&archive, "archive", false, "Archive (or, with =false, unarchive) the note")

	noteCmd.AddCommand(
		addCmd,
		editCmd,
		newDeleteCommand(records.KindNote),
		newListCommand(records.KindNote, printNote),
	)
	return noteCmd
}

func newCollectionCommand() *cobra.Command {
	collectionCmd := &cobra.Command{
		Use:   "collection",
		Short: "Edit collections in the local store",
	}

	var name, description string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(current *session) error {
				saved, err := current.client.Save(&records.Collection{
					Name:        name,
					Description: description,
					Status:      records.StatusActive,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), saved.Header().ID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Collection name")
	addCmd.Flags().StringVar(&description, "description", "", "Collection description")

	collectionCmd.AddCommand(
		addCmd,
		newDeleteCommand(records.KindCollection),
		newListCommand(records.KindCollection, printCollection),
	)
	return collectionCmd
}

func newItemCommand() *cobra.Command {
	itemCmd := &cobra.Command{
		Use:   "item",
		Short: "Place notes inside collections",
	}

	var collectionID, noteID string
	var position int64
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a note to a collection at a position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(current *session) error {
				item := &records.CollectionItem{
					CollectionID: collectionID,
					Position:     position,
				}
				if noteID != "" {
					item.NoteID = &noteID
				}
				saved, err := current.client.Save(item)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), saved.Header().ID)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&collectionID, "collection", "", "Collection id")
	addCmd.Flags().StringVar(&noteID, "note", "", "Note id")
	addCmd.Flags().Int64Var(&position, "position", 0, "Ordering position; gaps are allowed")
	_ = addCmd.MarkFlagRequired("collection")

	itemCmd.AddCommand(
		addCmd,
		newDeleteCommand(records.KindCollectionItem),
		newListCommand(records.KindCollectionItem, printItem),
	)
	return itemCmd
}

func newDeleteCommand(kind records.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s record on the next sync", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(current *session) error {
				id, err := records.NewRecordID(args[0])
				if err != nil {
					return err
				}
				return current.client.Delete(kind, id)
			})
		},
	}
}

func newListCommand(kind records.Kind, render func(io.Writer, records.Record)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List live %s records", kind),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(current *session) error {
				listed, err := current.client.List(kind)
				if err != nil {
					return err
				}
				sortForDisplay(listed)
				for _, record := range listed {
					render(cmd.OutOrStdout(), record)
				}
				return nil
			})
		},
	}
}

func withSession(run func(current *session) error) error {
	current, err := openSession()
	if err != nil {
		return err
	}
	defer current.Close()
	return run(current)
}

// sortForDisplay orders items by collection then position and everything else by creation time.
func sortForDisplay(listed []records.Record) {
	sort.SliceStable(listed, func(i, j int) bool {
		left, leftIsItem := listed[i].(*records.CollectionItem)
		right, rightIsItem := listed[j].(*records.CollectionItem)
		if leftIsItem && rightIsItem {
			if left.CollectionID != right.CollectionID {
				return left.CollectionID < right.CollectionID
			}
			return left.Position < right.Position
		}
		return listed[i].Header().ClientCreatedAt < listed[j].Header().ClientCreatedAt
	})
}

func printNote(out io.Writer, record records.Record) {
	note := record.(*records.Note)
	fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", note.ID, note.Status, note.Title, note.ContentBody)
}

func printCollection(out io.Writer, record records.Record) {
	collection := record.(*records.Collection)
	fmt.Fprintf(out, "%s\t%s\t%s\n", collection.ID, collection.Status, collection.Name)
}

func printItem(out io.Writer, record records.Record) {
	item := record.(*records.CollectionItem)
	noteID := ""
	if item.NoteID != nil {
		noteID = *item.NoteID
	}
	fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", item.ID, item.CollectionID, item.Position, noteID)
}
