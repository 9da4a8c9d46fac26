package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mdresolve/internal/app"
	"github.com/zjrosen/mdresolve/internal/presentation"
)

// errNotFound is returned when a lookup yields nothing; main exits non-zero.
var errNotFound = errors.New("no matching entity")

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var (
		resolverID string
		q          app.Query
		output     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <entityID>",
		Short: "Resolve one entity by ID",
		Long: `Load the configured resolvers and print the entity with the given ID.

--role and --protocol narrow the match: an entity lacking the role or protocol
is not returned.

Examples:
  mdresolve resolve https://idp.example.org/idp/shibboleth
  mdresolve resolve https://sp.example.org/shibboleth --role sp -o json
  mdresolve resolve https://idp.example.org/idp/shibboleth --resolver federation`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := formatter(cmd, output)
			if err != nil {
				return err
			}

			a, err := opts.openApp(cmd.Context(), app.WithoutWatch())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			q.EntityID = args[0]
			entities, err := a.Lookup(cmd.Context(), resolverID, q)
			if err != nil {
				return err
			}
			if len(entities) == 0 {
				return fmt.Errorf("%w: %s", errNotFound, args[0])
			}
			return f.Format(presentation.FromEntity(entities[0]))
		},
	}

	cmd.Flags().StringVarP(&resolverID, "resolver", "r", "", "resolver to query (default: the default composite)")
	cmd.Flags().StringVar(&q.Role, "role", "", "required role: idp, sp, aa, authn, pdp or a descriptor name")
	cmd.Flags().StringVar(&q.Protocol, "protocol", "", "required protocol support enumeration URI")
	addOutputFlag(cmd, &output)
	return cmd
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		resolverID string
		q          app.Query
		anyFlag    bool
		rolesOnly  bool
		output     string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find entities by role, protocol, endpoint, artifact or attributes",
		Long: `Load the configured resolvers and print every entity matching the criteria.

Criteria are combined with AND unless --any is given. A resolver answers
criteria other than the entity ID from its secondary indexes (role, artifact,
endpoint) or, with resolve_via_predicates_only, by scanning every entity.

Examples:
  mdresolve query --role idp
  mdresolve query --endpoint https://sp.example.org/Shibboleth.sso/SAML2/POST
  mdresolve query --role idp --attribute http://macedir.org/entity-category=http://refeds.org/category/research-and-scholarship
  mdresolve query --artifact AAQAAMh48/1oXIM+sDo7Dh2qMp1HM4IF5DaRNmDj6RdUmllwn9jJHyEgIi8=
  mdresolve query --entity-id https://idp.example.org/idp/shibboleth --role idp --roles`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := formatter(cmd, output)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("any") {
				q.SatisfyAny = &anyFlag
			}
			if _, err := q.Criteria(); err != nil {
				return err
			}

			a, err := opts.openApp(cmd.Context(), app.WithoutWatch())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			if rolesOnly {
				roles, err := a.LookupRoles(cmd.Context(), resolverID, q)
				if err != nil {
					return err
				}
				dtos := make([]presentation.RoleDTO, 0, len(roles))
				for _, r := range roles {
					dtos = append(dtos, presentation.FromRole(r))
				}
				return f.Format(dtos)
			}

			entities, err := a.Lookup(cmd.Context(), resolverID, q)
			if err != nil {
				return err
			}
			return f.Format(presentation.FromEntities(entities))
		},
	}

	cmd.Flags().StringVarP(&resolverID, "resolver", "r", "", "resolver to query (default: the default composite)")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity ID")
	cmd.Flags().StringVar(&q.Role, "role", "", "role: idp, sp, aa, authn, pdp or a descriptor name")
	cmd.Flags().StringVar(&q.Protocol, "protocol", "", "protocol support enumeration URI")
	cmd.Flags().StringVar(&q.Endpoint, "endpoint", "", "endpoint location")
	cmd.Flags().StringVar(&q.Artifact, "artifact", "", "base64 encoded SAML 1 or SAML 2 artifact")
	cmd.Flags().StringArrayVarP(&q.Attributes, "attribute", "a", nil, "entity attribute name=value (repeatable, all must match)")
	cmd.Flags().BoolVar(&anyFlag, "any", false, "match entities satisfying any criterion instead of all")
	cmd.Flags().BoolVar(&rolesOnly, "roles", false, "print the matching role descriptors instead of entities")
	addOutputFlag(cmd, &output)
	return cmd
}
