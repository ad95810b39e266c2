package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"ToolRelay-Chain/sdk/go/toolrelay"
)

func main() {
	baseURL := os.Getenv("TOOLRELAY_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := toolrelay.NewClient(baseURL,
		toolrelay.WithToken(os.Getenv("TOOLRELAY_TOKEN")),
		toolrelay.WithRetry(2),
	)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		panic(err)
	}
	for _, tool := range tools {
		fmt.Printf("%-24s %s\n", tool.Name, tool.Description)
	}

	res, err := client.Query(ctx, toolrelay.Query{
		Query: "What is the latest block on mainnet?",
		Tool:  "get_chain_snapshot",
		Args:  []any{"mainnet"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("sync query status=%s response=%s\n", res.Status, res.Response)

	task, err := client.SubmitTask(ctx, toolrelay.Query{
		Query: "How much ETH does vitalik.eth hold?",
		Tool:  "get_balance",
		Args:  []any{"mainnet", "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", task.ID, task.Status)

	done, err := client.WaitTask(ctx, task.ID, time.Second)
	if err != nil {
		panic(err)
	}
	if done.Result != nil {
		fmt.Printf("task %s finished: %s\n", done.ID, done.Result.Response)
	} else {
		fmt.Printf("task %s failed: %s\n", done.ID, done.LastError)
	}
}
