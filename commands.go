package main

import (
	"fmt"
	"time"

	"transitserver/database"
	"transitserver/handlers"
	"transitserver/models"
	"transitserver/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// テーブルの作成
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the users and sessions tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		config, err := database.LoadConfig(ctx, configPath)
		if err != nil {
			return err
		}
		logger, err := utils.InitLogger(config.Environment)
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := database.InitPostgreSQL(config, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("マイグレーションに失敗しました: %w", err)
		}
		logger.Info("テーブルの作成が完了しました")
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired sessions once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, backends, err := setup(cmd.Context())
		if logger != nil {
			defer logger.Sync()
		}
		if err != nil {
			return err
		}
		defer backends.Close()

		n, err := backends.Sessions.PurgeExpired(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		logger.Info("失効したセッションの削除完了", zap.Int64("sessions_deleted", n))
		return nil
	},
}

var (
	addUserName     string
	addUserEmail    string
	addUserPassword string
	addUserRole     string
)

var addUserCmd = &cobra.Command{
	Use:   "adduser",
	Short: "Register a user that can log in",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		config, err := database.LoadConfig(ctx, configPath)
		if err != nil {
			return err
		}
		logger, err := utils.InitLogger(config.Environment)
		if err != nil {
			return err
		}
		defer logger.Sync()

		db, err := database.InitPostgreSQL(config, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		user, err := handlers.NewGormUserDirectory(db).CreateUser(ctx, addUserName, addUserEmail, addUserPassword, models.Role(addUserRole))
		if err != nil {
			return err
		}
		logger.Info("ユーザーを登録しました", zap.Uint("userID", user.ID), zap.String("role", string(user.Role)))
		return nil
	},
}

func init() {
	addUserCmd.Flags().StringVar(&addUserName, "name", "", "display name")
	addUserCmd.Flags().StringVar(&addUserEmail, "email", "", "login email")
	addUserCmd.Flags().StringVar(&addUserPassword, "password", "", "login password")
	addUserCmd.Flags().StringVar(&addUserRole, "role", string(models.RoleRider), "rider, driver or owner")
	_ = addUserCmd.MarkFlagRequired("email")
	_ = addUserCmd.MarkFlagRequired("password")
}
