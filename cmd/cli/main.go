package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"docflow/pkg/config"
)

const version = "docflow cli 0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	if len(argv) < 1 {
		printUsage(stdout)
		return 0
	}
	c := newClient(apiBaseURL())
	cmd, args := argv[0], argv[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	case "health":
		return printJSON(health(c))(stdout, stderr)
	case "config":
		return runConfig(args, stdout, stderr)
	case "upload":
		return runUpload(c, args, stdout, stderr)
	case "folder":
		return runFolder(c, args, stdout, stderr)
	case "status":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: docflow status <task_id>")
			return 1
		}
		return printJSON(taskStatus(c, args[0]))(stdout, stderr)
	case "wait":
		return runWait(c, args, stdout, stderr)
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintln(stderr, "Usage: docflow cancel <task_id>...")
			return 1
		}
		return printJSON(cancelTasks(c, args))(stdout, stderr)
	case "search":
		return runSearch(c, args, stdout, stderr)
	case "active":
		return printJSON(activeTasks(c))(stdout, stderr)
	default:
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: docflow <command> [args]")
	fmt.Fprintln(w, "  version                    - 显示版本")
	fmt.Fprintln(w, "  health                     - Gateway 健康检查")
	fmt.Fprintln(w, "  config [path]              - 显示配置概要")
	fmt.Fprintln(w, "  upload <file>...           - 上传文件，每个文件一个任务")
	fmt.Fprintln(w, "  folder <name> <dir|file>.. - 作为一个文件夹任务上传")
	fmt.Fprintln(w, "  status <task_id>           - 查询任务状态")
	fmt.Fprintln(w, "  wait <task_id> [timeout]   - 等待任务进入终态，默认 5m")
	fmt.Fprintln(w, "  cancel <task_id>...        - 取消一个或多个任务")
	fmt.Fprintln(w, "  search <text>              - 语义检索")
	fmt.Fprintln(w, "  active                     - 正在推送进度的任务")
	fmt.Fprintln(w, "环境变量 DOCFLOW_API_URL 指定 Gateway 地址")
}

// printJSON 把接口返回值格式化输出
func printJSON(v any, err error) func(stdout, stderr io.Writer) int {
	return func(stdout, stderr io.Writer) int {
		if err != nil {
			fmt.Fprintf(stderr, "请求失败: %v\n", err)
			return 1
		}
		b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "输出失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(b))
		return 0
	}
}

func runConfig(args []string, stdout, stderr io.Writer) int {
	path := "configs/api.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.port=%d\n", cfg.API.Port)
	fmt.Fprintf(stdout, "broker.type=%s\n", cfg.Broker.Type)
	fmt.Fprintf(stdout, "status_store.type=%s\n", cfg.StatusStore.Type)
	fmt.Fprintf(stdout, "worker.role=%s\n", cfg.Worker.Role)
	fmt.Fprintf(stdout, "vector.type=%s\n", cfg.Vector.Type)
	return 0
}

func runUpload(c *resty.Client, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: docflow upload <file>...")
		return 1
	}
	res, err := uploadFiles(c, args)
	if err != nil {
		fmt.Fprintf(stderr, "上传失败: %v\n", err)
		return 1
	}
	for i, id := range res.TaskIDs {
		name := ""
		if i < len(args) {
			name = filepath.Base(args[i])
		}
		fmt.Fprintf(stdout, "%s\t%s\n", id, name)
	}
	return 0
}

// expandFiles 目录展开为其中的普通文件（不递归）
func expandFiles(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, a)
			continue
		}
		entries, err := os.ReadDir(a)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				out = append(out, filepath.Join(a, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func runFolder(c *resty.Client, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: docflow folder <name> <dir|file>...")
		return 1
	}
	files, err := expandFiles(args[1:])
	if err != nil {
		fmt.Fprintf(stderr, "读取文件失败: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, "没有可上传的文件")
		return 1
	}
	res, err := uploadFolder(c, args[0], files)
	if err != nil {
		fmt.Fprintf(stderr, "上传失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s\t%s\t%d files\n", res.TaskID, res.FolderName, res.TotalFiles)
	return 0
}

func runWait(c *resty.Client, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: docflow wait <task_id> [timeout]")
		return 1
	}
	timeout := 5 * time.Minute
	if len(args) > 1 {
		timeout = config.Duration(args[1], timeout)
	}
	st, err := waitTask(c, args[0], 500*time.Millisecond, timeout)
	if code := printJSON(st, err)(stdout, stderr); code != 0 {
		return code
	}
	if s, _ := st["status"].(string); s != "completed" && s != "skipped" {
		return 2
	}
	return 0
}

func runSearch(c *resty.Client, args []string, stdout, stderr io.Writer) int {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		fmt.Fprintln(stderr, "Usage: docflow search <text>")
		return 1
	}
	res, err := search(c, text)
	if err != nil {
		fmt.Fprintf(stderr, "检索失败: %v\n", err)
		return 1
	}
	if res.Status != "success" {
		fmt.Fprintf(stdout, "%s: %s\n", res.Status, res.Message)
		return 0
	}
	for _, h := range res.Results {
		snippet := []rune(h.Text)
		if len(snippet) > 80 {
			snippet = append(snippet[:80], '…')
		}
		fmt.Fprintf(stdout, "%d. [%.2f] %s\n   %s\n", h.Rank, h.Score, h.FileName, string(snippet))
	}
	return 0
}
