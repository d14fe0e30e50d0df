package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/offline"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/session"
)

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <entity> <json>",
		Short: "Add an entity locally and queue it for sync",
		Long: `Add an entity to the owner's local list and enqueue an insert.

Example:
  tally add transactions '{"title":"Coffee","amount":4.5}'
  tally add banks '{"name":"Checking","currency":"EUR"}' --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(rootOpts, cmd, args[0], func(s *session.Session, c *offline.Collection, out *OutputFormatter) error {
				data, err := payload.Decode([]byte(args[1]))
				if err != nil {
					return out.Fail("invalid entity JSON", mutation.NewValidationError(c.EntityType(), err))
				}
				row, err := c.Add(commandContext(cmd), data)
				if err != nil {
					return out.Fail("add failed", err)
				}
				return out.Success(row, func(w io.Writer) {
					fmt.Fprintf(w, "Added %s %s\n", c.EntityType(), row.ID())
				})
			})
		},
	}
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <entity> <id> <json>",
		Short: "Merge fields into an entity and queue the change",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(rootOpts, cmd, args[0], func(s *session.Session, c *offline.Collection, out *OutputFormatter) error {
				patch, err := payload.Decode([]byte(args[2]))
				if err != nil {
					return out.Fail("invalid entity JSON", mutation.NewValidationError(c.EntityType(), err))
				}
				row, err := c.Update(commandContext(cmd), args[1], patch)
				if err != nil {
					return out.Fail("update failed", err)
				}
				return out.Success(row, func(w io.Writer) {
					fmt.Fprintf(w, "Updated %s %s\n", c.EntityType(), row.ID())
				})
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <id>",
		Short: "Delete an entity locally and queue the delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(rootOpts, cmd, args[0], func(s *session.Session, c *offline.Collection, out *OutputFormatter) error {
				if err := c.Delete(commandContext(cmd), args[1]); err != nil {
					return out.Fail("delete failed", err)
				}
				return out.Success(map[string]string{"id": args[1]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s %s\n", c.EntityType(), args[1])
				})
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Remote bool
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list <entity>",
		Short: "List the owner's entities",
		Long: `List the owner's optimistic local entities, or with --remote the rows
currently in the remote store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCollection(rootOpts, cmd, args[0], func(s *session.Session, c *offline.Collection, out *OutputFormatter) error {
				if s.Owner() == "" {
					return out.Fail("list failed", mutation.NewAuthError(c.EntityType()))
				}
				rows := c.Items()
				if opts.Remote {
					var err error
					rows, err = s.Read(commandContext(cmd), c.EntityType())
					if err != nil {
						return out.Fail("remote read failed", err)
					}
				}
				return out.Success(rows, func(w io.Writer) { writeRows(w, rows) })
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "read remote rows instead of the local list")

	return cmd
}

func withCollection(
	opts *RootOptions,
	cmd *cobra.Command,
	entity string,
	fn func(*session.Session, *offline.Collection, *OutputFormatter) error,
) error {
	et, err := mutation.ParseEntityType(entity)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid entity type", err)
	}
	s, _, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.Collection(et)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid entity type", err)
	}
	return fn(s, c, opts.formatter(cmd))
}

func writeRows(w io.Writer, rows []payload.Object) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(none)")
		return
	}
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			if k == payload.FieldID || k == payload.FieldOwner {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fields := make([]string, len(keys))
		for i, k := range keys {
			fields[i] = fmt.Sprintf("%s=%v", k, row[k])
		}
		fmt.Fprintf(w, "%s  %s\n", row.ID(), strings.Join(fields, " "))
	}
}
