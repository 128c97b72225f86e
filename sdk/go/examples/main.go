// 示例：通过 SDK 提交异步对话任务并等待结果。
//
//	CHAINPILOT_URL=http://localhost:8080 CHAINPILOT_API_KEY=... go run ./sdk/go/examples "0x... 的余额是多少"
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"ChainPilot/sdk/go/chainpilot"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: examples <message>")
		os.Exit(2)
	}
	baseURL := os.Getenv("CHAINPILOT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client, err := chainpilot.NewClient(baseURL, chainpilot.WithAPIKey(os.Getenv("CHAINPILOT_API_KEY")))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	job, err := client.SubmitJob(ctx, chainpilot.JobRequest{
		Message:       strings.Join(os.Args[1:], " "),
		CallerAddress: os.Getenv("CHAINPILOT_CALLER"),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted job %s (status=%s)\n", job.ID, job.Status)

	done, err := client.WaitForJob(ctx, job.ID, time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if done.Status == chainpilot.JobFailed {
		fmt.Printf("job failed after %d attempts: [%s] %s\n", done.Attempts, done.ErrorCode, done.LastError)
		os.Exit(1)
	}
	fmt.Println(done.Result.Response)
}
