package booking

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type TemplateSlot struct {
	ID       string `yaml:"id"`
	Time     string `yaml:"time"`
	Capacity int    `yaml:"capacity"`
}

// DepartmentTemplate is the fixed daily slot layout of a department.
type DepartmentTemplate struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Unlimited bool           `yaml:"unlimited"`
	Slots     []TemplateSlot `yaml:"slots"`
}

type templateFile struct {
	Departments []DepartmentTemplate `yaml:"departments"`
}

// Catalog holds the templates by department id.
type Catalog struct {
	templates map[string]DepartmentTemplate
}

func NewCatalog(templates ...DepartmentTemplate) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]DepartmentTemplate, len(templates))}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate department %q", t.ID)
		}
		c.templates[t.ID] = t
	}
	return c, nil
}

func (c *Catalog) Template(departmentID string) (DepartmentTemplate, error) {
	t, ok := c.templates[strings.ToLower(strings.TrimSpace(departmentID))]
	if !ok {
		return DepartmentTemplate{}, fmt.Errorf("%w: %s", ErrUnknownDepartment, departmentID)
	}
	return t, nil
}

// Departments returns the department ids in sorted order.
func (c *Catalog) Departments() []string {
	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t DepartmentTemplate) Validate() error {
	if t.ID == "" {
		return errors.New("department id is required")
	}
	if t.ID != strings.ToLower(t.ID) {
		return fmt.Errorf("department id %q must be lower case", t.ID)
	}
	if len(t.Slots) == 0 {
		return fmt.Errorf("department %s: no slots", t.ID)
	}
	ids := make(map[string]struct{}, len(t.Slots))
	labels := make(map[string]struct{}, len(t.Slots))
	for _, s := range t.Slots {
		if s.ID == "" || s.Time == "" {
			return fmt.Errorf("department %s: slot id and time are required", t.ID)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("department %s: duplicate slot id %s", t.ID, s.ID)
		}
		label := strings.ToLower(s.Time)
		if _, dup := labels[label]; dup {
			return fmt.Errorf("department %s: duplicate slot time %s", t.ID, s.Time)
		}
		if !t.Unlimited && s.Capacity <= 0 {
			return fmt.Errorf("department %s: slot %s needs a positive capacity", t.ID, s.ID)
		}
		ids[s.ID] = struct{}{}
		labels[label] = struct{}{}
	}
	return nil
}

// LoadTemplates reads a YAML template file:
//
//	departments:
//	  - id: dental
//	    name: Dental
//	    slots:
//	      - {id: dental-0800, time: "08:00 AM - 09:00 AM", capacity: 5}
func LoadTemplates(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(f.Departments) == 0 {
		return nil, errors.New("templates file declares no departments")
	}
	return NewCatalog(f.Departments...)
}

func hourlySlots(prefix string, capacity int, hours ...int) []TemplateSlot {
	slots := make([]TemplateSlot, 0, len(hours))
	for _, h := range hours {
		slots = append(slots, TemplateSlot{
			ID:       fmt.Sprintf("%s-%02d00", prefix, h),
			Time:     fmt.Sprintf("%s - %s", clockLabel(h), clockLabel(h+1)),
			Capacity: capacity,
		})
	}
	return slots
}

func clockLabel(h int) string {
	suffix := "AM"
	if h >= 12 {
		suffix = "PM"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	return fmt.Sprintf("%02d:00 %s", h12, suffix)
}

// DefaultCatalog is the built-in clinic layout.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		DepartmentTemplate{ID: "dental", Name: "Dental", Slots: hourlySlots("dental", 3, 8, 9, 10, 13, 14, 15)},
		DepartmentTemplate{ID: "medical", Name: "Medical", Slots: hourlySlots("medical", 5, 8, 9, 10, 11, 13, 14, 15, 16)},
		DepartmentTemplate{ID: "laboratory", Name: "Laboratory", Unlimited: true, Slots: hourlySlots("laboratory", 0, 7, 8, 9, 10, 11)},
		DepartmentTemplate{ID: "radiography", Name: "Radiography", Slots: hourlySlots("radiography", 2, 8, 9, 10, 13, 14)},
	)
	if err != nil {
		panic(err)
	}
	return c
}
