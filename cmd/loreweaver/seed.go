package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/loreweaver/loreweaver/config"
	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
)

// seedCmd inserts a demo user, two characters and a conversation so a
// fresh local database has something to chat with.
func seedCmd(cfgPath *string) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert demo data for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			ctx := context.Background()

			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if err := st.CreateUser(ctx, email, string(hash)); err != nil {
				return fmt.Errorf("create user (already seeded?): %w", err)
			}
			userID, _, err := st.GetUserByEmail(ctx, email)
			if err != nil {
				return err
			}

			freeDoc, _ := json.Marshal(state.CharacterState{
				PersonaSystem: map[string]any{
					"voice":  "warm, curious, a little teasing",
					"limits": "keeps things wholesome",
				},
			})
			freeID, err := st.CreateCharacter(ctx, store.Character{
				OwnerID: userID,
				Name:    "Mara",
				Tagline: "Innkeeper of the Lantern & Thistle",
			}, freeDoc)
			if err != nil {
				return err
			}

			paidDoc, _ := json.Marshal(state.CharacterState{
				PersonaSystem: map[string]any{"voice": "dry, precise, secretive"},
				IPPack:        map[string]any{"setting": "clockwork city of Verrin"},
			})
			if _, err := st.CreateCharacter(ctx, store.Character{
				OwnerID:    userID,
				Name:       "Castellan Odo",
				Tagline:    "Keeper of the Verrin archives",
				PriceCoins: 120,
			}, paidDoc); err != nil {
				return err
			}

			convDoc, _ := json.Marshal(state.NewConversationState())
			convID, err := st.CreateConversation(ctx, store.Conversation{
				UserID:      userID,
				CharacterID: freeID,
				Title:       "Evening at the inn",
			}, convDoc)
			if err != nil {
				return err
			}

			if err := st.CreditWallet(ctx, userID, 200, "seed"); err != nil {
				fmt.Printf("wallet seed skipped: %v\n", err)
			}

			fmt.Printf("seeded user %s, conversation %s\n", email, convID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "demo@example.com", "demo account email")
	cmd.Flags().StringVar(&password, "password", "password123", "demo account password")
	return cmd
}
