package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"pkt.systems/berth/internal/appconfig"
	"pkt.systems/berth/internal/auth"
	"pkt.systems/berth/internal/store"
	"pkt.systems/berth/schema"
)

const defaultPasswordLength = 20

// readPassword reads a password from a terminal without echo.
var readPassword = term.ReadPassword

func newUsersCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Administer users directly in the store",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newUsersListCmd(&cfgPath))
	cmd.AddCommand(newUsersAddCmd(&cfgPath))
	cmd.AddCommand(newUsersPasswdCmd(&cfgPath))
	cmd.AddCommand(newUsersRoleCmd(&cfgPath))
	cmd.AddCommand(newUsersBlockCmd(&cfgPath))
	cmd.AddCommand(newUsersDeleteCmd(&cfgPath))

	return cmd
}

// withStore loads the config, opens the store and hands both to fn.
func withStore(ctx context.Context, cfgPath string, fn func(appconfig.Config, *store.Store) error) error {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(cfg, st)
}

func newUsersListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfgPath, func(_ appconfig.Config, st *store.Store) error {
				users, err := st.Users(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "USERNAME\tROLE\tCONTAINERS\tIMAGES\tBLOCKED\tID")
				for _, user := range users {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%s\n", user.Username, user.Role, user.ContainerLimit, user.ImageLimit, user.IsBlocked, user.ID)
				}
				return tw.Flush()
			})
		},
	}
}

func newUsersAddCmd(cfgPath *string) *cobra.Command {
	var passwordFromStdin bool
	var autoPassword bool
	var role string
	var containerLimit int
	var imageLimit int
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			if err := schema.ValidateUsername(username); err != nil {
				return err
			}
			userRole := schema.Role(role)
			if !userRole.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			password, generated, err := resolvePassword(cmd, passwordFromStdin, autoPassword)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), *cfgPath, func(cfg appconfig.Config, st *store.Store) error {
				if len(password) < minPasswordLength(cfg.Auth) {
					return fmt.Errorf("%w: password must be at least %d characters", schema.ErrWeakCredential, minPasswordLength(cfg.Auth))
				}
				hash, err := auth.HashPassword(password, bcryptCost(cfg.Auth))
				if err != nil {
					return err
				}
				if containerLimit < 0 {
					containerLimit = cfg.Auth.DefaultContainerLimit
				}
				if imageLimit < 0 {
					imageLimit = cfg.Auth.DefaultImageLimit
				}
				user := schema.User{
					ID:             schema.UserID(uuid.NewString()),
					Username:       username,
					PasswordHash:   hash,
					Role:           userRole,
					ContainerLimit: containerLimit,
					ImageLimit:     imageLimit,
				}
				if err := st.CreateUser(cmd.Context(), user); err != nil {
					return err
				}
				printUser(cmd.OutOrStdout(), user, password, generated)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().BoolVar(&autoPassword, "auto-password", false, "generate a random password")
	cmd.Flags().StringVar(&role, "role", string(schema.RoleFree), "role (admin, dev_user, vip or free)")
	cmd.Flags().IntVar(&containerLimit, "container-limit", -1, "container limit (default from config)")
	cmd.Flags().IntVar(&imageLimit, "image-limit", -1, "image limit (default from config)")
	return cmd
}

func newUsersPasswdCmd(cfgPath *string) *cobra.Command {
	var passwordFromStdin bool
	var autoPassword bool
	cmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Set a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, generated, err := resolvePassword(cmd, passwordFromStdin, autoPassword)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), *cfgPath, func(cfg appconfig.Config, st *store.Store) error {
				if len(password) < minPasswordLength(cfg.Auth) {
					return fmt.Errorf("%w: password must be at least %d characters", schema.ErrWeakCredential, minPasswordLength(cfg.Auth))
				}
				hash, err := auth.HashPassword(password, bcryptCost(cfg.Auth))
				if err != nil {
					return err
				}
				user, err := updateByName(cmd.Context(), st, args[0], func(u *schema.User) error {
					u.PasswordHash = hash
					u.Password = ""
					return nil
				})
				if err != nil {
					return err
				}
				printUser(cmd.OutOrStdout(), user, password, generated)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	cmd.Flags().BoolVar(&autoPassword, "auto-password", false, "generate a random password")
	return cmd
}

func newUsersRoleCmd(cfgPath *string) *cobra.Command {
	var containerLimit int
	var imageLimit int
	cmd := &cobra.Command{
		Use:   "role <username> <role>",
		Short: "Change a user's role and optionally their limits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := schema.Role(args[1])
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", args[1])
			}
			return withStore(cmd.Context(), *cfgPath, func(_ appconfig.Config, st *store.Store) error {
				user, err := updateByName(cmd.Context(), st, args[0], func(u *schema.User) error {
					u.Role = role
					if containerLimit >= 0 {
						u.ContainerLimit = containerLimit
					}
					if imageLimit >= 0 {
						u.ImageLimit = imageLimit
					}
					return nil
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: role %s, containers %d, images %d\n", user.Username, user.Role, user.ContainerLimit, user.ImageLimit)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&containerLimit, "container-limit", -1, "new container limit")
	cmd.Flags().IntVar(&imageLimit, "image-limit", -1, "new image limit")
	return cmd
}

func newUsersBlockCmd(cfgPath *string) *cobra.Command {
	var unblock bool
	cmd := &cobra.Command{
		Use:   "block <username>",
		Short: "Block a user from logging in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfgPath, func(_ appconfig.Config, st *store.Store) error {
				user, err := updateByName(cmd.Context(), st, args[0], func(u *schema.User) error {
					u.IsBlocked = !unblock
					return nil
				})
				if err != nil {
					return err
				}
				state := "blocked"
				if !user.IsBlocked {
					state = "unblocked"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s user: %s\n", state, user.Username)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unblock, "unblock", false, "lift the block instead")
	return cmd
}

func newUsersDeleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user and their saved configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfgPath, func(_ appconfig.Config, st *store.Store) error {
				user, err := st.UserByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := st.DeleteUser(cmd.Context(), user.ID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted user: %s\n", user.Username)
				return nil
			})
		},
	}
}

func updateByName(ctx context.Context, st *store.Store, username string, fn func(*schema.User) error) (schema.User, error) {
	user, err := st.UserByName(ctx, username)
	if err != nil {
		return schema.User{}, err
	}
	return st.UpdateUser(ctx, user.ID, fn)
}

func minPasswordLength(cfg appconfig.AuthConfig) int {
	if cfg.MinPasswordLength > 0 {
		return cfg.MinPasswordLength
	}
	return 3
}

func bcryptCost(cfg appconfig.AuthConfig) int {
	if cfg.BcryptCost > 0 {
		return cfg.BcryptCost
	}
	return bcrypt.DefaultCost
}

func resolvePassword(cmd *cobra.Command, fromStdin, auto bool) (string, bool, error) {
	if fromStdin && auto {
		return "", false, errors.New("choose one of --password-from-stdin or --auto-password")
	}
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", false, err
		}
		pass := strings.TrimSpace(string(data))
		if pass == "" {
			return "", false, errors.New("password from stdin is empty")
		}
		return pass, false, nil
	}
	if auto {
		pass, err := generatePassword(defaultPasswordLength)
		if err != nil {
			return "", false, err
		}
		return pass, true, nil
	}
	pass, err := promptPassword(cmd, "Password: ")
	if err != nil {
		return "", false, err
	}
	confirm, err := promptPassword(cmd, "Confirm password: ")
	if err != nil {
		return "", false, err
	}
	if pass != confirm {
		return "", false, errors.New("passwords do not match")
	}
	if pass == "" {
		return "", false, errors.New("password is empty")
	}
	return pass, false, nil
}

// promptPassword reads without echo from a terminal and falls back to a plain
// line read otherwise.
func promptPassword(cmd *cobra.Command, prompt string) (string, error) {
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := readPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return readLine(cmd.InOrStdin())
}

// readLine reads up to a newline without consuming input past it, so a
// password and its confirmation can be piped in together.
func readLine(r io.Reader) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}
			return "", err
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}

func generatePassword(length int) (string, error) {
	if length <= 0 {
		length = defaultPasswordLength
	}
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf), nil
}

func printUser(w io.Writer, user schema.User, password string, showPassword bool) {
	_, _ = fmt.Fprintf(w, "username: %s\n", user.Username)
	_, _ = fmt.Fprintf(w, "id: %s\n", user.ID)
	_, _ = fmt.Fprintf(w, "role: %s\n", user.Role)
	if showPassword && password != "" {
		_, _ = fmt.Fprintf(w, "password: %s\n", password)
	}
}
