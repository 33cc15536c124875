package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jakebbass/afilli/internal/store"
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage personas",
}

var personaImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import personas from YAML",
	Long: `Import personas from a YAML file of the form:

  personas:
    - name: Home Fitness Enthusiast
      description: Busy professional training at home
      channels: [email, instagram]
      searchKeywords: [home gym, adjustable dumbbells]
      hypotheses:
        - statement: Buys equipment after a new year's resolution
          confidence: 0.6

Personas whose name already exists are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonaImport,
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas, newest first",
	RunE:  runPersonaList,
}

func init() {
	personaListCmd.Flags().IntP("limit", "n", 50, "Maximum personas to show")
	personaListCmd.Flags().Bool("json", false, "Output as JSON")
	personaCmd.AddCommand(personaImportCmd, personaListCmd)
	rootCmd.AddCommand(personaCmd)
}

// personaDoc is one persona in an import file.
type personaDoc struct {
	Name            string             `yaml:"name"`
	Description     string             `yaml:"description"`
	Hypotheses      []store.Hypothesis `yaml:"hypotheses"`
	Signals         []store.Signal     `yaml:"signals"`
	Channels        []string           `yaml:"channels"`
	AudienceSizeEst int64              `yaml:"audienceSizeEst"`
	CLVEst          float64            `yaml:"clvEst"`
	SearchKeywords  []string           `yaml:"searchKeywords"`
	TargetSites     []string           `yaml:"targetSites"`
}

type personaFile struct {
	Personas []personaDoc `yaml:"personas"`
}

// parsePersonas decodes an import file into personas ready to insert.
func parsePersonas(r io.Reader) ([]*store.Persona, error) {
	var f personaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	out := make([]*store.Persona, 0, len(f.Personas))
	for i, d := range f.Personas {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("persona %d: name is required", i+1)
		}
		for _, h := range d.Hypotheses {
			if h.Confidence < 0 || h.Confidence > 1 {
				return nil, fmt.Errorf("persona %q: hypothesis confidence %v outside [0,1]", name, h.Confidence)
			}
		}
		for _, s := range d.Signals {
			if s.Weight < 0 || s.Weight > 1 {
				return nil, fmt.Errorf("persona %q: signal weight %v outside [0,1]", name, s.Weight)
			}
		}
		out = append(out, &store.Persona{
			Name:            name,
			Description:     d.Description,
			Hypotheses:      d.Hypotheses,
			Signals:         d.Signals,
			Channels:        d.Channels,
			AudienceSizeEst: d.AudienceSizeEst,
			CLVEst:          d.CLVEst,
			SearchKeywords:  d.SearchKeywords,
			TargetSites:     d.TargetSites,
		})
	}
	return out, nil
}

// importPersonas inserts personas whose name is not taken and returns the created ones.
func importPersonas(ctx context.Context, s *store.Store, personas []*store.Persona) ([]*store.Persona, error) {
	var created []*store.Persona
	for _, p := range personas {
		exists, err := s.PersonaNameExists(ctx, p.Name)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		if err := s.CreatePersona(ctx, p); err != nil {
			return created, err
		}
		created = append(created, p)
	}
	return created, nil
}

func runPersonaImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	personas, err := parsePersonas(f)
	if err != nil {
		return err
	}

	return withStore(func(s *store.Store) error {
		created, err := importPersonas(cmd.Context(), s, personas)
		out := cmd.OutOrStdout()
		for _, p := range created {
			_, _ = fmt.Fprintf(out, "imported %s (%s)\n", p.Name, p.ID)
		}
		if err != nil {
			return err
		}
		if skipped := len(personas) - len(created); skipped > 0 {
			_, _ = fmt.Fprintf(out, "skipped %d existing persona(s)\n", skipped)
		}
		return nil
	})
}

func runPersonaList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	return withStore(func(s *store.Store) error {
		personas, err := s.ListPersonas(cmd.Context(), limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			if personas == nil {
				personas = []store.Persona{}
			}
			return printJSON(out, personas)
		}
		if len(personas) == 0 {
			_, _ = fmt.Fprintln(out, "No personas found.")
			return nil
		}
		w := newTable(out)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tCHANNELS\tKEYWORDS\tSIGNALS")
		for _, p := range personas {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				p.ID, p.Name, orDash(strings.Join(p.Channels, ",")), orDash(strings.Join(p.SearchKeywords, ",")), len(p.Signals))
		}
		_ = w.Flush()
		return nil
	})
}
