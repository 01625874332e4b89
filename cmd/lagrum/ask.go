package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lagrum/internal/types"
)

var (
	askMode string

	phaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	sourceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	levelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	refusalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	correctStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and stream the answer to the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		req := types.QueryRequest{
			Question: strings.Join(args, " "),
			Mode:     types.Mode(askMode),
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
		defer cancel()

		for ev := range p.orch.Run(ctx, uuid.NewString(), req) {
			renderEvent(ev)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVarP(&askMode, "mode", "m", "auto", "answer mode: auto, chat, assist, evidence")
}

// renderEvent prints one stream event. Tokens go out raw so the answer reads
// as continuous text; everything else is styled metadata.
func renderEvent(ev types.Event) {
	switch ev.Type {
	case types.EventPhase:
		fmt.Println(phaseStyle.Render("· " + ev.Phase))
	case types.EventDecontextualized:
		fmt.Println(phaseStyle.Render(fmt.Sprintf("· omformulerad: %s", ev.Rewritten)))
	case types.EventMetadata:
		fmt.Println(levelStyle.Render(fmt.Sprintf("bevisnivå: %s (läge: %s)", ev.EvidenceLevel, ev.Mode)))
		if ev.Refusal {
			fmt.Println(refusalStyle.Render("underlag saknas"))
		}
		for i, s := range ev.Sources {
			fmt.Println(sourceStyle.Render(fmt.Sprintf("  [Källa %d] %s (%.2f)", i+1, s.Title, s.Score)))
		}
		fmt.Println()
	case types.EventToken:
		fmt.Print(ev.Token)
	case types.EventCorrections:
		fmt.Println()
		for _, c := range ev.Corrections {
			fmt.Println(correctStyle.Render(fmt.Sprintf("rättelse: %s → %s", c.From, c.To)))
		}
	case types.EventDone:
		fmt.Println()
		if ev.Metrics != nil && ev.Metrics.TokensStreamed > 0 {
			fmt.Println(phaseStyle.Render(fmt.Sprintf("%d tokens", ev.Metrics.TokensStreamed)))
		}
	case types.EventError:
		fmt.Println(errorStyle.Render(fmt.Sprintf("fel (%s): %s", ev.ErrorKind, ev.ErrorMessage)))
	}
}
