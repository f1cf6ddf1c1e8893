package cmd

import (
	"fmt"

	"bigxfer/internal/app"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type SendFlags struct {
	FilePath string
	Restart  bool
}

var sendFlags SendFlags

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a file to peer (creates offer)",
	Long: `Send a file to a peer via WebRTC. This will:

1. Create a WebRTC peer connection and data channel
2. Publish an SDP offer and print the session code
3. Wait for the receiver's answer
4. Stream the file checkpoint by checkpoint once connected

If an earlier run of the same file was interrupted, streaming resumes
from the receiver's last committed checkpoint. Use --restart to ignore
the stored progress.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateSendFlags(&sendFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logrus.WithField("file", sendFlags.FilePath).Info("Starting sender")
		return runSenderApp(&sendFlags)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendFlags.FilePath, "file", "f", "", "Path to file to send (required)")
	sendCmd.Flags().BoolVar(&sendFlags.Restart, "restart", false, "Ignore stored progress and send from the beginning")
	sendCmd.Flags().String("identity", "metadata", "Transfer identity: metadata (name, size, mtime) or content (BLAKE3 hash)")
	sendCmd.Flags().String("username", "", "Name shown to the receiver")

	sendCmd.MarkFlagRequired("file")

	viper.BindPFlag("send.file", sendCmd.Flags().Lookup("file"))
	viper.BindPFlag("transfer.identity", sendCmd.Flags().Lookup("identity"))
	viper.BindPFlag("transfer.username", sendCmd.Flags().Lookup("username"))
}

// validateSendFlags validates the send command flags
func validateSendFlags(flags *SendFlags) error {
	if flags.FilePath == "" {
		return fmt.Errorf("file path is required")
	}
	return nil
}

// runSenderApp creates and runs the sender application
func runSenderApp(flags *SendFlags) error {
	ctx, cancel := createContext()
	defer cancel()

	svc, err := createServices(ctx)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	senderApp := app.NewSenderApp(cfg, svc.peer, svc.signaling, svc.store, svc.console)
	return senderApp.Run(ctx, &app.SenderOptions{
		FilePath: flags.FilePath,
		Restart:  flags.Restart,
	})
}
