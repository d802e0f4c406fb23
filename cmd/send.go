package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/mailbox"
)

var (
	sendTo       string
	sendFrom     string
	sendTitle    string
	sendBody     string
	sendBodyFile string
	sendThread   string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Drop a message into an agent's mailbox",
	Long: `Write a mailbox file for a running coordinator to claim and deliver.

Without --thread the filename carries no thread token, and the
coordinator routes the message to the last-active thread when it
processes the file.

Example:
  shogun send --to shogun --title "deploy" --body "ship release 1.4"`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient agent id (required)")
	sendCmd.Flags().StringVar(&sendFrom, "from", hierarchy.King, "sender id")
	sendCmd.Flags().StringVar(&sendTitle, "title", "", "message title (required)")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "message body")
	sendCmd.Flags().StringVar(&sendBodyFile, "body-file", "", "read the message body from a file")
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "thread id (default: last-active thread)")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("title")
}

func runSend(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body := sendBody
	if sendBodyFile != "" {
		if body != "" {
			return fmt.Errorf("--body and --body-file are mutually exclusive")
		}
		data, err := os.ReadFile(sendBodyFile)
		if err != nil {
			return fmt.Errorf("reading body file: %w", err)
		}
		body = string(data)
	}
	if body == "" {
		return fmt.Errorf("a message body is required (--body or --body-file)")
	}

	writer := mailbox.NewWriter(cfg.Layout(workspace).MailboxDir())
	if sendThread == "" {
		path, err := writer.WriteUnthreaded(sendTo, sendFrom, sendTitle, body)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	}

	msg, path, err := writer.Write(sendTo, sendFrom, sendThread, sendTitle, body)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (message %s)\n", path, msg.ID)
	return nil
}
