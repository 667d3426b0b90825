package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nadmax/nexarena/internal/arena"
	"github.com/nadmax/nexarena/internal/broadcast"
	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/judge"
	"github.com/nadmax/nexarena/internal/stream"
	"github.com/spf13/cobra"
)

type askOptions struct {
	models       []string
	judgeModel   string
	instructions string
}

func writeReport(w io.Writer, session *domain.Session, report *broadcast.Report) {
	for _, o := range report.Outcomes {
		fmt.Fprintf(w, "=== %s [%s]\n", o.ModelID, o.State)

		if o.State == stream.StateCancelled {
			fmt.Fprintln(w)
			continue
		}

		var r *domain.Result
		for _, candidate := range session.Results[o.ModelID] {
			if candidate.ID == o.ResultID {
				r = &candidate
				break
			}
		}
		if r == nil {
			if o.Err != nil {
				fmt.Fprintf(w, "error: %v\n\n", o.Err)
			}
			continue
		}

		if r.Response != "" {
			fmt.Fprintln(w, strings.TrimSpace(r.Response))
		}
		if r.Failed() {
			fmt.Fprintf(w, "error (%s): %s\n", r.ErrorKind, r.Error)
		}
		if m := r.Metrics; m != nil {
			fmt.Fprintf(w, "--- ttft %dms | %.1f units/s | %d units | %dms total\n", m.TTFTMs, m.OutputRate, m.OutputUnits, m.TotalDurationMs)
		}
		fmt.Fprintln(w)
	}
}

func writeVerdict(w io.Writer, v *judge.Verdict, err error) {
	fmt.Fprintf(w, "Judge: %s\n", judge.Status(v, err))
	if err != nil {
		return
	}
	for _, s := range v.Scores {
		fmt.Fprintf(w, "  %s: %d\n", s.ModelID, s.Score)
	}
}

func runAsk(ctx context.Context, w io.Writer, svc *arena.Service, prompt string, o askOptions) error {
	report, err := svc.Broadcast(ctx, prompt, o.models, "")
	if err != nil {
		return err
	}

	session, err := svc.Session(ctx, report.SessionID)
	if err != nil {
		return err
	}
	writeReport(w, session, report)

	if o.judgeModel == "" {
		return nil
	}

	v, err := svc.JudgeSession(ctx, report.SessionID, o.judgeModel, o.instructions)
	writeVerdict(w, v, err)
	return nil
}

func newAskCmd(opts *options) *cobra.Command {
	o := askOptions{}

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Broadcast a prompt to the active models and print their answers",
		Example: `  # Ask every model in active_models
  arena ask "Explain CRDTs in two sentences"

  # Pick models and have one of them judge the answers
  arena ask "Write a haiku about Redis" --models gpt,claude,llama --judge gpt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			svc, err := arena.FromConfig(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.WithError(err).Warn("Failed to close arena stores")
				}
			}()

			return runAsk(ctx, cmd.OutOrStdout(), svc, strings.Join(args, " "), o)
		},
	}

	cmd.Flags().StringSliceVar(&o.models, "models", nil, "Comma-separated model ids (default: active_models)")
	cmd.Flags().StringVar(&o.judgeModel, "judge", "", "Model id that scores the answers")
	cmd.Flags().StringVar(&o.instructions, "instructions", "", "Judge instructions (default: built-in)")

	return cmd
}
