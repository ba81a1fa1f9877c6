// Package inventory loads the staging servers and GitHub users an operator
// declares in a YAML file and seeds them into the ledger.
package inventory

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/models"
	yaml "gopkg.in/yaml.v2"
)

// DefaultFile is read by `pullrekun seed` when no path is given.
const DefaultFile = "inventory.yaml"

type Server struct {
	Name       string `yaml:"name"`
	InstanceID string `yaml:"instance_id"`
	DBSchema   string `yaml:"db_schema"`
	IsStaging  bool   `yaml:"is_staging"`
	CheckURL   string `yaml:"check_url"`
}

type User struct {
	Login    string `yaml:"login"`
	DBSchema string `yaml:"db_schema"`
}

// Inventory is the decoded file.
type Inventory struct {
	Servers []Server `yaml:"servers"`
	Users   []User   `yaml:"users"`
}

// Load reads and validates the inventory file at path.
func Load(path string) (*Inventory, error) {
	raw, err := ioutil.ReadFile(path) // nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("couldn't read inventory file %q: %v", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML.
func Parse(raw []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.UnmarshalStrict(raw, &inv); err != nil {
		return nil, fmt.Errorf("couldn't decode yaml in inventory file: %v", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks that names and logins are unique and that staging
// servers carry everything the reconciler needs.
func (i *Inventory) Validate() error {
	names := map[string]bool{}
	for idx, s := range i.Servers {
		if s.Name == "" {
			return errors.Errorf("servers[%d]: name is required", idx)
		}
		if names[s.Name] {
			return errors.Errorf("servers[%d]: duplicate name %q", idx, s.Name)
		}
		names[s.Name] = true
		if s.IsStaging && (s.InstanceID == "" || s.DBSchema == "" || s.CheckURL == "") {
			return errors.Errorf("server %q: staging servers need instance_id, db_schema and check_url", s.Name)
		}
	}
	logins := map[string]bool{}
	for idx, u := range i.Users {
		if u.Login == "" {
			return errors.Errorf("users[%d]: login is required", idx)
		}
		if logins[u.Login] {
			return errors.Errorf("users[%d]: duplicate login %q", idx, u.Login)
		}
		logins[u.Login] = true
		if u.DBSchema == "" {
			return errors.Errorf("user %q: db_schema is required", u.Login)
		}
	}
	return nil
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	ServersCreated int
	ServersUpdated int
	Users          int
}

// Seed upserts the inventory in one transaction. Servers are matched by
// name so that their IDs, and the pull requests pointing at them, survive
// re-seeding.
func Seed(ctx context.Context, store ledger.Store, inv *Inventory) (SeedResult, error) {
	var res SeedResult
	err := store.Update(ctx, func(tx ledger.Tx) error {
		res = SeedResult{}
		existing, err := tx.ListServers(ctx)
		if err != nil {
			return err
		}
		byName := map[string]models.Server{}
		for _, s := range existing {
			byName[s.Name] = s
		}
		for _, s := range inv.Servers {
			server := models.Server{
				Name:       s.Name,
				InstanceID: s.InstanceID,
				DBSchema:   s.DBSchema,
				IsStaging:  s.IsStaging,
				CheckURL:   s.CheckURL,
			}
			if old, ok := byName[s.Name]; ok {
				server.ID = old.ID
				res.ServersUpdated++
			} else {
				res.ServersCreated++
			}
			if _, err := tx.SaveServer(ctx, server); err != nil {
				return errors.Wrapf(err, "saving server %q", s.Name)
			}
		}
		for _, u := range inv.Users {
			if err := tx.SaveUser(ctx, models.GitHubUser{Login: u.Login, DBSchema: u.DBSchema}); err != nil {
				return errors.Wrapf(err, "saving user %q", u.Login)
			}
			res.Users++
		}
		return nil
	})
	return res, err
}
