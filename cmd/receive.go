package cmd

import (
	"fmt"

	"bigxfer/internal/app"
	"bigxfer/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ReceiveFlags struct {
	DstPath string
}

var receiveFlags ReceiveFlags

// receiveCmd represents the receive command
var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive a file from peer (responds to offer)",
	Long: `Receive a file from a peer via WebRTC. This will:

1. Ask for the sender's session code (or pasted offer with --signal manual)
2. Publish an SDP answer
3. Ask whether to accept the announced file, unless --yes is given
4. Write the file into --dst, committing progress every checkpoint

A transfer interrupted earlier continues from the last committed
checkpoint without asking again.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateReceiveFlags(&receiveFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logrus.WithField("dst", receiveFlags.DstPath).Info("Starting receiver")
		return runReceiverApp(&receiveFlags)
	},
}

// validateReceiveFlags validates the receive command flags
func validateReceiveFlags(flags *ReceiveFlags) error {
	if flags.DstPath == "" {
		return fmt.Errorf("destination path is required")
	}
	dir, err := utils.ResolveDestinationDir(flags.DstPath)
	if err != nil {
		return err
	}
	flags.DstPath = dir
	return nil
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVarP(&receiveFlags.DstPath, "dst", "d", "", "Directory to save the received file in (required)")
	receiveCmd.Flags().BoolP("yes", "y", false, "Accept incoming files without asking")

	receiveCmd.MarkFlagRequired("dst")

	viper.BindPFlag("receive.dst", receiveCmd.Flags().Lookup("dst"))
	viper.BindPFlag("transfer.auto_accept", receiveCmd.Flags().Lookup("yes"))
}

// runReceiverApp creates and runs the receiver application
func runReceiverApp(flags *ReceiveFlags) error {
	ctx, cancel := createContext()
	defer cancel()

	svc, err := createServices(ctx)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	receiverApp := app.NewReceiverApp(cfg, svc.peer, svc.signaling, svc.store, svc.console)
	return receiverApp.Run(ctx, &app.ReceiverOptions{
		DestDir:    flags.DstPath,
		AutoAccept: cfg.Transfer.AutoAccept,
	})
}
