package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanyeeee/mangadl-go/internal/model"
	"github.com/lanyeeee/mangadl-go/internal/session"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in via QR code and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		qrURL, authCode, err := env.client.GenerateQRCode(ctx)
		if err != nil {
			return fmt.Errorf("generating QR code: %w", err)
		}
		fmt.Println("Scan this URL with the Bilibili app to log in:")
		fmt.Println(qrURL)

		deadline := time.Now().Add(3 * time.Minute)
		for time.Now().Before(deadline) {
			status, confirmed, err := env.client.PollQRCodeStatus(ctx, authCode)
			if err != nil {
				return fmt.Errorf("polling login status: %w", err)
			}
			switch status {
			case model.QRStatusConfirmed:
				creds := session.Credentials{
					AccessToken: confirmed.AccessToken,
					Cookie:      confirmed.Cookie,
					UID:         confirmed.UID,
				}
				if err := env.creds.Set(creds); err != nil {
					return fmt.Errorf("persisting credentials: %w", err)
				}
				profile, err := env.client.GetUserProfile(ctx)
				if err != nil {
					fmt.Printf("Logged in (uid %d); fetching profile failed: %v\n", confirmed.UID, err)
					return nil
				}
				fmt.Printf("Logged in as %s (uid %d)\n", profile.Nickname, profile.UID)
				return nil
			case model.QRStatusExpired:
				return fmt.Errorf("QR code expired before it was scanned")
			case model.QRStatusNotScanned, model.QRStatusScannedAwaitingConfirm:
				time.Sleep(2 * time.Second)
			}
		}
		return fmt.Errorf("timed out waiting for QR code confirmation")
	},
}
