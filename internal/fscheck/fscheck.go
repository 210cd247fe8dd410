// Package fscheck chains assertions about a path for filesystem backed tests.
package fscheck

import (
	"errors"
	"fmt"
	"os"
)

// Checker runs checks on a single path.
type Checker struct {
	Path   string
	checks []func(string) error
}

// New creates a Checker for path.
func New(path string) *Checker {
	return &Checker{Path: path}
}

// Check runs every check and returns all failures joined.
func (c *Checker) Check() error {
	var errs []error
	for _, check := range c.checks {
		if err := check(c.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsDir checks that the path is a directory.
func (c *Checker) IsDir() *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := lstat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("expected directory but not a directory: %s", path)
		}
		return nil
	})
	return c
}

// IsFile checks that the path is a regular file.
func (c *Checker) IsFile() *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := lstat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return c
}

// ModeEquals checks the permission bits of the path.
func (c *Checker) ModeEquals(perm os.FileMode) *Checker {
	c.checks = append(c.checks, func(path string) error {
		info, err := lstat(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return c
}

// NotExist checks that nothing exists at the path.
func (c *Checker) NotExist() *Checker {
	c.checks = append(c.checks, func(path string) error {
		_, err := os.Lstat(path)
		if err == nil {
			return fmt.Errorf("expected %s not to exist", path)
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("lstat %s: %w", path, err)
		}
		return nil
	})
	return c
}

func lstat(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
