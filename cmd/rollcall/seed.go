package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rollcall/internal/database"
	"rollcall/pkg/types"
)

// rosterFile is the development fixture format loaded by "rollcall seed".
type rosterFile struct {
	Users []struct {
		ID       string `yaml:"id"`
		Username string `yaml:"username"`
		Role     string `yaml:"role"`
	} `yaml:"users"`
	Classes []struct {
		ID       string   `yaml:"id"`
		Name     string   `yaml:"name"`
		Teacher  string   `yaml:"teacher"`
		Students []string `yaml:"students"`
	} `yaml:"classes"`
}

// rosterWriter is the subset of the durable store seeding needs.
type rosterWriter interface {
	CreateUser(ctx context.Context, id, username string, role types.Role) error
	CreateClass(ctx context.Context, id, name, teacherID string) error
	AddStudent(ctx context.Context, classID, studentID string) error
}

func newSeedCommand(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load users and class rosters from a YAML fixture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			roster, err := parseRoster(f)
			if err != nil {
				return err
			}

			db, err := database.NewManager(cfg.Database, cfg.Log.NewLogger())
			if err != nil {
				return err
			}
			defer db.Close()

			users, classes, err := seedRoster(cmd.Context(), db, roster)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users and %d classes into %s\n", users, classes, cfg.Database.DatabasePath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "roster.yaml", "roster fixture to load")
	return cmd
}

func parseRoster(r io.Reader) (*rosterFile, error) {
	var roster rosterFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&roster); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}

	for _, u := range roster.Users {
		if !types.IsValidID(u.ID) {
			return nil, fmt.Errorf("user %q: invalid id", u.ID)
		}
		if _, ok := types.ParseRole(u.Role); !ok {
			return nil, fmt.Errorf("user %s: unknown role %q", u.ID, u.Role)
		}
	}
	for _, c := range roster.Classes {
		if !types.IsValidID(c.ID) {
			return nil, fmt.Errorf("class %q: invalid id", c.ID)
		}
		if c.Teacher == "" {
			return nil, fmt.Errorf("class %s: teacher is required", c.ID)
		}
	}
	return &roster, nil
}

// seedRoster writes users before classes so every foreign key resolves.
func seedRoster(ctx context.Context, db rosterWriter, roster *rosterFile) (int, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, u := range roster.Users {
		role, _ := types.ParseRole(u.Role)
		username := u.Username
		if username == "" {
			username = u.ID
		}
		if err := db.CreateUser(ctx, u.ID, username, role); err != nil {
			return 0, 0, err
		}
	}
	for _, c := range roster.Classes {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		if err := db.CreateClass(ctx, c.ID, name, c.Teacher); err != nil {
			return 0, 0, err
		}
		for _, s := range c.Students {
			if err := db.AddStudent(ctx, c.ID, s); err != nil {
				return 0, 0, err
			}
		}
	}
	return len(roster.Users), len(roster.Classes), nil
}
