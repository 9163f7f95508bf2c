package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/RecoveryAshes/crawlengine/internal/database"
	"github.com/RecoveryAshes/crawlengine/internal/models"
	"github.com/RecoveryAshes/crawlengine/internal/utils"
)

var stateCmd = &cobra.Command{
	Use:   "state [queueId]",
	Short: "查看已持久化的爬取状态",
	Long: `查看已持久化的爬取状态

不带参数时列出数据目录中所有有状态快照的队列(仅sqlite存储);
指定queueId时打印该队列的状态快照。`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		storage := appConfig.Storage

		if storage.Driver == "memory" {
			if len(args) == 0 {
				return fmt.Errorf("memory存储不支持列出队列,请指定queueId")
			}
			store, err := database.NewFileStateStore(storage.DataDir)
			if err != nil {
				return err
			}
			state, err := store.LoadState(ctx, args[0])
			if err != nil {
				return err
			}
			return printState(args[0], state)
		}

		db, err := database.Open(storage.DataDir, database.Options{EnableWAL: storage.EnableWAL})
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer db.Close()

		if len(args) == 0 {
			ids, err := db.ListQueues(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("没有已保存的爬取状态")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}

		state, err := db.LoadState(ctx, args[0])
		if err != nil {
			return err
		}
		return printState(args[0], state)
	},
}

func printState(queueID string, state *models.CrawlerState) error {
	if state == nil {
		return fmt.Errorf("队列 %s 没有状态快照", queueID)
	}
	data, err := state.ToJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var reportCmd = &cobra.Command{
	Use:   "report <queueId>",
	Short: "打印某次运行生成的报告摘要",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(appConfig.Output.BaseDir, args[0], utils.ReportFile)
		report, err := utils.LoadReport(path)
		if err != nil {
			return err
		}

		summary := struct {
			QueueID     string              `json:"queue_id"`
			Seeds       []string            `json:"seeds"`
			Duration    float64             `json:"duration_seconds"`
			Stopped     bool                `json:"stopped"`
			Stats       models.QueueStats   `json:"stats"`
			ErrorGroups []models.ErrorGroup `json:"error_groups,omitempty"`
		}{report.QueueID, report.Seeds, report.Duration, report.Stopped, report.Stats, report.ErrorGroups}

		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}
