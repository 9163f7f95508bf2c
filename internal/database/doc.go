// Package database 提供爬取队列和状态快照的持久化存储
//
// 三种实现:
//   - CrawlDB: SQLite(modernc.org/sqlite),队列记录和状态快照都可跨进程恢复
//   - MemoryStore: 内存实现,用于一次性运行和测试
//   - FileStateStore: 仅状态快照,每个queueID一个JSON文件
//
// 使用示例:
//
//	db, err := database.Open("data", database.DefaultOptions())
//	if err != nil { /* 处理错误 */ }
//	defer db.Close()
//
//	queue, err := crawlers.OpenRequestQueue(ctx, crawlers.QueueConfig{QueueID: "news"}, db)
package database
