package cli

import (
	"io"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type modelView struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Backend  string `yaml:"backend"`
	Upstream string `yaml:"upstream_model"`
	Mode     string `yaml:"mode"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Active   bool   `yaml:"active"`
}

func writeModels(w io.Writer, models []domain.Model, active []string) error {
	isActive := make(map[string]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	views := make([]modelView, len(models))
	for i, m := range models {
		views[i] = modelView{
			ID:       m.ID,
			Name:     m.DisplayName(),
			Backend:  string(m.Backend),
			Upstream: m.Upstream(),
			Mode:     string(m.Mode),
			BaseURL:  m.BaseURL,
			Active:   isActive[m.ID],
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string][]modelView{"models": views}); err != nil {
		return err
	}
	return enc.Close()
}

func newModelsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}

			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}

			return writeModels(cmd.OutOrStdout(), catalog.All(), cfg.ActiveModels)
		},
	}
}
