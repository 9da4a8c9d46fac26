package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mdresolve/internal/filter"
	"github.com/zjrosen/mdresolve/internal/metadata"
)

// errInvalidDocument makes validate exit non-zero after printing its report.
var errInvalidDocument = errors.New("metadata document is not valid")

// ValidationReport summarizes one metadata document.
type ValidationReport struct {
	File               string         `json:"file" yaml:"file"`
	Root               string         `json:"root" yaml:"root"`
	Name               string         `json:"name,omitempty" yaml:"name,omitempty"`
	Groups             int            `json:"groups" yaml:"groups"`
	Entities           int            `json:"entities" yaml:"entities"`
	Roles              map[string]int `json:"roles,omitempty" yaml:"roles,omitempty"`
	DuplicateEntityIDs []string       `json:"duplicate_entity_ids,omitempty" yaml:"duplicate_entity_ids,omitempty"`
	ValidUntil         *time.Time     `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	EarliestExpiration *time.Time     `json:"earliest_expiration,omitempty" yaml:"earliest_expiration,omitempty"`
	Valid              bool           `json:"valid" yaml:"valid"`
	Problems           []string       `json:"problems,omitempty" yaml:"problems,omitempty"`
}

func newValidateCmd() *cobra.Command {
	var (
		requireValidUntil bool
		maxValidity       time.Duration
		output            string
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a metadata document and report what a resolver would load",
		Long: `Parse a SAML metadata file and print its entity and role counts, the root
validUntil and the earliest expiration that would drive the refresh schedule.

Exits non-zero when the document cannot be parsed, is already expired, or fails
--require-valid-until. No configuration file is needed.`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := formatter(cmd, output)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := metadata.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			var checks filter.Chain
			if requireValidUntil {
				checks = append(checks, &filter.RequiredValidUntilFilter{MaxValidityInterval: maxValidity})
			}
			report := validate(cmd.Context(), args[0], doc, checks, time.Now())
			if err := f.Format(report); err != nil {
				return err
			}
			if !report.Valid {
				return errInvalidDocument
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&requireValidUntil, "require-valid-until", false, "fail when the root has no validUntil")
	cmd.Flags().DurationVar(&maxValidity, "max-validity", 0, "with --require-valid-until, the furthest acceptable validUntil")
	addOutputFlag(cmd, &output)
	return cmd
}

func validate(ctx context.Context, file string, doc metadata.Element, checks filter.Chain, now time.Time) ValidationReport {
	r := ValidationReport{File: file, Roles: map[string]int{}, Valid: true}

	seen := map[string]int{}
	var walk func(el metadata.Element)
	walk = func(el metadata.Element) {
		switch v := el.(type) {
		case *metadata.EntitiesDescriptor:
			r.Groups++
			for _, m := range v.Members {
				walk(m)
			}
		case *metadata.EntityDescriptor:
			r.Entities++
			seen[v.EntityID]++
			for _, role := range v.Roles {
				r.Roles[role.Kind]++
			}
		}
	}
	walk(doc)

	for id, n := range seen {
		if n > 1 {
			r.DuplicateEntityIDs = append(r.DuplicateEntityIDs, id)
		}
	}
	sort.Strings(r.DuplicateEntityIDs)

	switch v := doc.(type) {
	case *metadata.EntitiesDescriptor:
		r.Root = "EntitiesDescriptor"
		r.Name = v.Name
	case *metadata.EntityDescriptor:
		r.Root = "EntityDescriptor"
		r.Name = v.EntityID
	}
	if vu := doc.Lifetime().ValidUntil; !vu.IsZero() {
		vu = vu.UTC()
		r.ValidUntil = &vu
	}
	if exp := metadata.EarliestExpiration(doc, time.Time{}, now); !exp.IsZero() {
		exp = exp.UTC()
		r.EarliestExpiration = &exp
	}

	if !metadata.IsValid(doc, now) {
		r.Valid = false
		r.Problems = append(r.Problems, "document root is expired")
	}
	if len(checks) > 0 {
		if _, err := checks.Filter(ctx, metadata.Clone(doc)); err != nil {
			r.Valid = false
			r.Problems = append(r.Problems, err.Error())
		}
	}
	if len(r.DuplicateEntityIDs) > 0 {
		r.Problems = append(r.Problems, fmt.Sprintf("%d entity IDs appear more than once; the first occurrence wins", len(r.DuplicateEntityIDs)))
	}
	return r
}
