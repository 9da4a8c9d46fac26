package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SaveResolvers replaces the resolvers section of the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveResolvers(configPath string, resolvers []ResolverConfig) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	resolversNode := buildResolversNode(resolvers)

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						scalar("resolvers"),
						resolversNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return fmt.Errorf("parsing config: top level is not a mapping")
		}
		found := false
		for i := 0; i < len(root.Content)-1; i += 2 {
			if root.Content[i].Value == "resolvers" {
				root.Content[i+1] = resolversNode
				found = true
				break
			}
		}
		if !found {
			root.Content = append(root.Content, scalar("resolvers"), resolversNode)
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// AddResolver appends r to the existing resolvers after validating the result.
func AddResolver(configPath string, r ResolverConfig, existing []ResolverConfig) error {
	resolvers := make([]ResolverConfig, 0, len(existing)+1)
	resolvers = append(resolvers, existing...)
	resolvers = append(resolvers, r)
	if err := ValidateResolvers(resolvers); err != nil {
		return err
	}
	return SaveResolvers(configPath, resolvers)
}

// RemoveResolver drops the resolver with the given ID. Composites that list it
// as a member must be fixed first.
func RemoveResolver(configPath, id string, existing []ResolverConfig) error {
	resolvers := make([]ResolverConfig, 0, len(existing))
	found := false
	for _, r := range existing {
		if r.ID == id {
			found = true
			continue
		}
		resolvers = append(resolvers, r)
	}
	if !found {
		return fmt.Errorf("resolver %q not found", id)
	}
	if err := ValidateResolvers(resolvers); err != nil {
		return fmt.Errorf("removing %q: %w", id, err)
	}
	return SaveResolvers(configPath, resolvers)
}

func writeAtomic(configPath string, data []byte) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".mdresolve.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// mapping accumulates key/value pairs, skipping zero values.
type mapping struct{ node *yaml.Node }

func newMapping() mapping {
	return mapping{node: &yaml.Node{Kind: yaml.MappingNode}}
}

func (m mapping) str(key, v string) {
	if v != "" {
		m.node.Content = append(m.node.Content, scalar(key), scalar(v))
	}
}

func (m mapping) boolean(key string, v bool) {
	if v {
		m.node.Content = append(m.node.Content, scalar(key), &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: "true"})
	}
}

func (m mapping) boolPtr(key string, v *bool) {
	if v != nil {
		m.node.Content = append(m.node.Content, scalar(key),
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(*v)})
	}
}

func (m mapping) duration(key string, d time.Duration) {
	if d != 0 {
		m.str(key, d.String())
	}
}

func (m mapping) float(key string, f float64) {
	if f != 0 {
		m.node.Content = append(m.node.Content, scalar(key),
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(f, 'g', -1, 64)})
	}
}

func (m mapping) list(key string, vs []string) {
	if len(vs) == 0 {
		return
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range vs {
		seq.Content = append(seq.Content, scalar(v))
	}
	m.node.Content = append(m.node.Content, scalar(key), seq)
}

func (m mapping) child(key string, c mapping) {
	if len(c.node.Content) > 0 {
		m.node.Content = append(m.node.Content, scalar(key), c.node)
	}
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

// buildResolversNode creates a yaml.Node representing the resolvers array.
func buildResolversNode(resolvers []ResolverConfig) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(resolvers)),
	}

	for _, r := range resolvers {
		m := newMapping()
		// Always include id and type
		m.node.Content = append(m.node.Content, scalar("id"), scalar(r.ID), scalar("type"), scalar(r.Type))
		m.str("source", r.Source)
		m.str("backup_file", r.BackupFile)
		m.list("content_types", r.ContentTypes)
		m.str("user_agent", r.UserAgent)
		m.duration("timeout", r.Timeout)

		auth := newMapping()
		auth.str("username", r.BasicAuth.Username)
		auth.str("password", r.BasicAuth.Password)
		m.child("basic_auth", auth)

		m.boolean("watch", r.Watch)
		m.list("members", r.Members)

		refresh := newMapping()
		refresh.duration("min_delay", r.Refresh.MinDelay)
		refresh.duration("max_delay", r.Refresh.MaxDelay)
		refresh.float("delay_factor", r.Refresh.DelayFactor)
		refresh.duration("expiration_warning_threshold", r.Refresh.ExpirationWarningThreshold)
		m.child("refresh", refresh)

		m.boolPtr("require_valid_metadata", r.RequireValidMetadata)
		m.boolean("satisfy_any_predicates", r.SatisfyAnyPredicates)
		m.boolean("resolve_via_predicates_only", r.ResolveViaPredicatesOnly)
		m.boolPtr("fail_fast_initialization", r.FailFastInitialization)
		m.list("indexes", r.Indexes)

		filters := newMapping()
		filters.list("retain_roles", r.Filters.RetainRoles)
		filters.list("exclude_entities", r.Filters.ExcludeEntities)
		filters.boolean("require_valid_until", r.Filters.RequireValidUntil)
		filters.duration("max_validity_interval", r.Filters.MaxValidityInterval)
		m.child("filters", filters)

		kg := newMapping()
		kg.str("type", r.KeyGenerator.Type)
		kg.str("algorithm", r.KeyGenerator.Algorithm)
		kg.str("prefix", r.KeyGenerator.Prefix)
		kg.str("suffix", r.KeyGenerator.Suffix)
		kg.boolean("upper_case", r.KeyGenerator.UpperCase)
		kg.str("pattern", r.KeyGenerator.Pattern)
		kg.str("replacement", r.KeyGenerator.Replacement)
		kg.str("base_url", r.KeyGenerator.BaseURL)
		m.child("key_generator", kg)

		dyn := newMapping()
		dyn.duration("min_cache_duration", r.Dynamic.MinCacheDuration)
		dyn.duration("max_cache_duration", r.Dynamic.MaxCacheDuration)
		dyn.duration("negative_lookup_cache_duration", r.Dynamic.NegativeLookupCacheDuration)
		dyn.boolean("persistent_cache", r.Dynamic.PersistentCache)
		dyn.boolean("init_from_persistent_cache", r.Dynamic.InitFromPersistentCache)
		m.child("dynamic", dyn)

		node.Content = append(node.Content, m.node)
	}

	return node
}
