package state

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func CentralConfigValidator(cfg *CentralCfg) error {
	seen := make(map[PeerId]struct{})
	for _, peer := range cfg.Peers {
		if peer.Id.IsZero() {
			return fmt.Errorf("peer %s has a zero id", peer.DisplayName())
		}
		if _, ok := seen[peer.Id]; ok {
			return fmt.Errorf("duplicate peer id %s", peer.Id)
		}
		seen[peer.Id] = struct{}{}
		if peer.Name != "" {
			if err := NameValidator(peer.Name); err != nil {
				return err
			}
		}
		for _, ep := range peer.Endpoints {
			if !ep.IsValid() {
				return fmt.Errorf("peer %s has invalid endpoint %s", peer.DisplayName(), ep)
			}
		}
	}
	return nil
}

func LocalConfigValidator(cfg *LocalCfg) error {
	if cfg.Id.IsZero() {
		return fmt.Errorf("local id is not set")
	}
	if cfg.Name != "" {
		if err := NameValidator(cfg.Name); err != nil {
			return err
		}
	}
	if cfg.LogPath != "" {
		if err := PathValidator(cfg.LogPath); err != nil {
			return err
		}
	}
	return nil
}
