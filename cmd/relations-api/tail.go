package main

import (
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/feedclient"
	"github.com/MarcoPoloResearchLab/relations/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTailCommand() *cobra.Command {
	var (
		baseURL string
		token   string
		types   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the latest activity and follow the live stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := feedclient.NewClient(feedclient.ClientConfig{BaseURL: baseURL, Token: token, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			filters := feedclient.Filters{}
			query := url.Values{}
			query.Set("limit", fmt.Sprint(limit))
			if strings.TrimSpace(types) != "" {
				query.Set("type", types)
				for _, raw := range strings.Split(types, ",") {
					if eventType, ok := activity.ParseEventType(raw); ok {
						filters.Types = append(filters.Types, eventType)
					}
				}
			}

			reconciler := feedclient.NewReconciler(feedclient.ReconcilerConfig{})
			reconciler.SetFilters(filters)
			page, err := client.FetchPage(ctx, query)
			if err != nil {
				return err
			}
			reconciler.SetSnapshot(page.Events)

			out := cmd.OutOrStdout()
			visible := reconciler.Visible()
			for index := len(visible) - 1; index >= 0; index-- {
				printEvent(out, visible[index], false)
			}

			return client.Stream(ctx, reconciler.Cursor(), func(event activity.EnrichedEvent) {
				if !reconciler.Push(event) {
					return
				}
				for _, shown := range reconciler.Visible() {
					if shown.ID == event.ID {
						printEvent(out, event, true)
						break
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "Session token")
	cmd.Flags().StringVar(&types, "type", "", "Comma separated event types")
	cmd.Flags().IntVar(&limit, "limit", 20, "Events fetched before following")
	return cmd
}

func printEvent(out io.Writer, event activity.EnrichedEvent, live bool) {
	marker := " "
	if live {
		marker = "*"
	}
	fmt.Fprintf(out, "%s %6d %s %-20s %s\n", marker, event.ID, event.CreatedAt.Format("2006-01-02 15:04"), event.EventType, describe(event))
}

func describe(event activity.EnrichedEvent) string {
	var parts []string
	if event.ActorUser != nil {
		parts = append(parts, strings.TrimSpace(event.ActorUser.FirstName+" "+event.ActorUser.LastName))
	}
	if event.Company != nil {
		parts = append(parts, event.Company.Name)
	}
	switch {
	case event.Comment != nil:
		parts = append(parts, event.Comment.Content)
	case event.Email != nil:
		parts = append(parts, event.Email.Subject)
	case event.OldStatus != nil && event.NewStatus != nil:
		parts = append(parts, fmt.Sprintf("%s -> %s", *event.OldStatus, *event.NewStatus))
	case event.Lead != nil:
		parts = append(parts, event.Lead.Description)
	}
	return strings.Join(parts, " | ")
}
