package quota

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Plan names shipped in the default catalog.
const (
	PlanFree     = "Free"
	PlanStarter  = "Starter"
	PlanPro      = "Pro"
	PlanBusiness = "Business"
	PlanAgency   = "Agency"
)

// Plan is one subscription tier.
type Plan struct {
	Name string `yaml:"name"`
	// Allotment is the number of generations granted per period.
	Allotment int `yaml:"allotment"`
	// Watermark marks results generated on this plan.
	Watermark bool `yaml:"watermark"`
}

// Catalog maps plan names to tiers. Unknown names resolve to the fallback
// plan.
type Catalog struct {
	plans    map[string]Plan
	fallback string
}

// catalogFile is the PLANS_FILE layout:
//
//	fallback: Starter
//	plans:
//	  - name: Starter
//	    allotment: 30
//	  - name: Free
//	    allotment: 0
//	    watermark: true
type catalogFile struct {
	Fallback string `yaml:"fallback"`
	Plans    []Plan `yaml:"plans"`
}

// DefaultCatalog returns the built-in tiers.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(PlanStarter, []Plan{
		{Name: PlanFree, Allotment: 0, Watermark: true},
		{Name: PlanStarter, Allotment: 30},
		{Name: PlanPro, Allotment: 100},
		{Name: PlanBusiness, Allotment: 300},
		{Name: PlanAgency, Allotment: 800},
	})
	return c
}

// NewCatalog validates plans and builds a Catalog. fallback must name one
// of them.
func NewCatalog(fallback string, plans []Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("quota: catalog has no plans")
	}
	c := &Catalog{plans: make(map[string]Plan, len(plans)), fallback: fallback}
	for _, p := range plans {
		if p.Name == "" {
			return nil, fmt.Errorf("quota: plan without a name")
		}
		if p.Allotment < 0 {
			return nil, fmt.Errorf("quota: plan %q has a negative allotment", p.Name)
		}
		if _, dup := c.plans[p.Name]; dup {
			return nil, fmt.Errorf("quota: plan %q defined twice", p.Name)
		}
		c.plans[p.Name] = p
	}
	if _, ok := c.plans[fallback]; !ok {
		return nil, fmt.Errorf("quota: fallback plan %q is not in the catalog", fallback)
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog. An empty path returns DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("quota: failed to read plans file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("quota: failed to parse plans file %s: %w", path, err)
	}
	if f.Fallback == "" {
		f.Fallback = PlanStarter
	}
	return NewCatalog(f.Fallback, f.Plans)
}

// Lookup returns the named plan.
func (c *Catalog) Lookup(name string) (Plan, bool) {
	p, ok := c.plans[name]
	return p, ok
}

// Resolve returns the named plan or the fallback.
func (c *Catalog) Resolve(name string) Plan {
	if p, ok := c.plans[name]; ok {
		return p
	}
	return c.plans[c.fallback]
}

// Allotment returns the per-period generations of name.
func (c *Catalog) Allotment(name string) int {
	return c.Resolve(name).Allotment
}

// Watermark reports whether results on plan name are watermarked.
func (c *Catalog) Watermark(name string) bool {
	return c.Resolve(name).Watermark
}

// Fallback returns the plan unknown names resolve to.
func (c *Catalog) Fallback() string {
	return c.fallback
}

// Names lists plan names sorted by allotment.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := c.plans[names[i]], c.plans[names[j]]
		if a.Allotment == b.Allotment {
			return a.Name < b.Name
		}
		return a.Allotment < b.Allotment
	})
	return names
}
