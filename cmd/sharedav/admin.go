package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/sharedav/internal/auth"
	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/metadata/postgres"
	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/pkg/models"
)

// adminEnv bundles the stores the admin commands work on.
type adminEnv struct {
	store  *postgres.Store
	auth   *auth.Auth
	shares *sharing.ShareStore
	groups *sharing.GroupStore
}

// runAdmin opens the stores, runs fn and closes everything again.
func runAdmin(cmd *cobra.Command, fn func(ctx context.Context, env *adminEnv) error) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	db := store.DB()
	return fn(ctx, &adminEnv{
		store:  store,
		auth:   auth.New(db, cfg.JWTSecret, 0),
		shares: sharing.NewShareStore(db),
		groups: sharing.NewGroupStore(db),
	})
}

func (e *adminEnv) node(ctx context.Context, path string) (*models.FileNode, error) {
	n, err := e.store.GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("no such file or directory: %s", path)
	}
	return n, nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var password string
	var admin bool
	create := &cobra.Command{
		Use:   "create USERNAME",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				id, err := env.auth.CreateUser(ctx, args[0], password, admin)
				if err != nil {
					return err
				}
				fmt.Printf("created user %s (id %d)\n", args[0], id)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	create.Flags().BoolVar(&admin, "admin", false, "grant administrator rights")
	create.MarkFlagRequired("password")

	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token USERNAME",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				u, err := lookupUser(ctx, env.auth, args[0])
				if err != nil {
					return err
				}
				tok, expires, err := env.auth.IssueToken(u.ID, u.Username, u.IsAdmin, ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
				return nil
			})
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")

	cmd.AddCommand(create, token)
	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups",
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				g, err := env.groups.CreateGroup(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("created group %s (id %d)\n", g.Name, g.ID)
				return nil
			})
		},
	}

	addMember := &cobra.Command{
		Use:   "add-member GROUP USERNAME",
		Short: "Add a user to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				g, err := env.groups.GetGroupByName(ctx, args[0])
				if err != nil {
					return err
				}
				u, err := lookupUser(ctx, env.auth, args[1])
				if err != nil {
					return err
				}
				return env.groups.AddMember(ctx, g.ID, u.ID)
			})
		},
	}

	removeMember := &cobra.Command{
		Use:   "remove-member GROUP USERNAME",
		Short: "Remove a user from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				g, err := env.groups.GetGroupByName(ctx, args[0])
				if err != nil {
					return err
				}
				u, err := lookupUser(ctx, env.auth, args[1])
				if err != nil {
					return err
				}
				return env.groups.RemoveMember(ctx, g.ID, u.ID)
			})
		},
	}

	cmd.AddCommand(create, addMember, removeMember)
	return cmd
}

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage shares",
	}

	var (
		shareType string
		from      string
		perms     int
	)
	create := &cobra.Command{
		Use:   "create PATH RECIPIENT",
		Short: "Share a file or directory with a user or group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sharing.ParseShareType(shareType)
			if err != nil {
				return err
			}
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				node, err := env.node(ctx, args[0])
				if err != nil {
					return err
				}
				initiator, err := lookupUser(ctx, env.auth, from)
				if err != nil {
					return err
				}

				var recipient string
				switch st {
				case sharing.ShareTypeUser:
					u, err := lookupUser(ctx, env.auth, args[1])
					if err != nil {
						return err
					}
					recipient = strconv.Itoa(u.ID)
				case sharing.ShareTypeGroup:
					g, err := env.groups.GetGroupByName(ctx, args[1])
					if err != nil {
						return err
					}
					recipient = strconv.Itoa(g.ID)
				default:
					return fmt.Errorf("use 'share link' for %s shares", st)
				}

				sh, err := env.shares.Create(ctx, st, node, initiator.ID, recipient, perms)
				if err != nil {
					return err
				}
				fmt.Printf("created %s share %d on %s\n", st, sh.ID, sh.Path)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&shareType, "type", "t", "user", "share type: user or group")
	create.Flags().StringVar(&from, "from", "", "username creating the share (required)")
	create.Flags().IntVar(&perms, "perms", sharing.PermissionRead, "permission bitmask (1 read, 2 update, 4 create, 8 delete, 16 share)")
	create.MarkFlagRequired("from")

	var (
		linkFrom  string
		password  string
		expiresIn time.Duration
	)
	link := &cobra.Command{
		Use:   "link PATH",
		Short: "Create a public link share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				node, err := env.node(ctx, args[0])
				if err != nil {
					return err
				}
				initiator, err := lookupUser(ctx, env.auth, linkFrom)
				if err != nil {
					return err
				}
				sh, err := env.shares.CreateLink(ctx, node, initiator.ID, password, expiresIn)
				if err != nil {
					return err
				}
				fmt.Printf("created link share %d on %s: token %s\n", sh.ID, sh.Path, sh.Token)
				return nil
			})
		},
	}
	link.Flags().StringVar(&linkFrom, "from", "", "username creating the link (required)")
	link.Flags().StringVar(&password, "password", "", "optional link password")
	link.Flags().DurationVar(&expiresIn, "expires-in", 0, "optional link lifetime")
	link.MarkFlagRequired("from")

	list := &cobra.Command{
		Use:   "list PATH",
		Short: "List shares on a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				node, err := env.node(ctx, args[0])
				if err != nil {
					return err
				}
				shares, err := env.shares.ListByPath(ctx, node.Path)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tWITH\tOWNER\tPERMS\tEXPIRES")
				for _, sh := range shares {
					expires := "-"
					if sh.ExpiresAt != nil {
						expires = sh.ExpiresAt.Format(time.RFC3339)
					}
					with := sh.ShareWith
					if sh.ShareType == sharing.ShareTypeLink {
						with = sh.Token
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
						sh.ID, sh.ShareType, with, sh.OwnerID, sh.Permissions, expires)
				}
				return w.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid share id %q", args[0])
			}
			return runAdmin(cmd, func(ctx context.Context, env *adminEnv) error {
				return env.shares.Delete(ctx, id)
			})
		},
	}

	cmd.AddCommand(create, link, list, del)
	return cmd
}
