package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"

	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/pkg/event"
)

func newResolveCmd() *cobra.Command {
	var (
		pathTemplate string
		failureName  string
		eventFile    string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show where a path template routes an event",
		Long: "resolve prints the static root and failure path of a path template and, given a " +
			"CloudEvent in JSON form, the path it resolves to and the file it would be written to.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := storage.NewTemplateRouter(pathTemplate, failureName)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "static root:  %s\n", router.StaticRoot())
			fmt.Fprintf(out, "failure path: %s\n", router.FailurePath())
			if eventFile == "" {
				return nil
			}

			record, err := readRecord(eventFile, cmd.InOrStdin())
			if err != nil {
				return err
			}

			resolved := router.Route(record)
			inside := !router.HasFieldRef() || router.Contains(resolved)
			destination := resolved
			if !inside {
				destination = router.FailurePath()
			}

			fmt.Fprintf(out, "resolved:     %s\n", resolved)
			fmt.Fprintf(out, "inside root:  %t\n", inside)
			fmt.Fprintf(out, "destination:  %s\n", destination)
			return nil
		},
	}

	cmd.Flags().StringVar(&pathTemplate, "path", "", "output path template")
	cmd.Flags().StringVar(&failureName, "failure", storage.DefaultFailureFilename, "failure file name")
	cmd.Flags().StringVar(&eventFile, "event", "", "CloudEvent JSON file, or - for stdin")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func readRecord(name string, stdin io.Reader) (*event.Record, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}

	ce, err := kafka.DecodeMessage(&sarama.ConsumerMessage{Value: data})
	if err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &event.Record{Event: ce, ProcessedAt: time.Now().UTC()}, nil
}
