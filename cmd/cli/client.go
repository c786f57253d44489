// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("DOCFLOW_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8000"
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second)
}

// uploadResult POST /select-file 响应
type uploadResult struct {
	TaskIDs []string `json:"task_ids"`
	Count   int      `json:"count"`
}

// folderResult POST /select-folder 响应
type folderResult struct {
	TaskID     string `json:"task_id"`
	FolderName string `json:"folder_name"`
	TotalFiles int    `json:"total_files"`
}

// searchHit 与 Gateway 的检索结果对应
type searchHit struct {
	Rank     int     `json:"rank"`
	Score    float64 `json:"score"`
	Text     string  `json:"text"`
	FileName string  `json:"file_name"`
}

type searchResult struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Results []searchHit `json:"results"`
	Total   int         `json:"total"`
}

func attachFiles(req *resty.Request, paths []string) (func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, err
		}
		opened = append(opened, f)
		req.SetFileReader("files", filepath.Base(p), f)
	}
	return closeAll, nil
}

func uploadFiles(c *resty.Client, paths []string) (*uploadResult, error) {
	var out uploadResult
	req := c.R().SetResult(&out)
	closeAll, err := attachFiles(req, paths)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	resp, err := req.Post("/select-file")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /select-file: %s", resp.String())
	}
	return &out, nil
}

func uploadFolder(c *resty.Client, name string, paths []string) (*folderResult, error) {
	var out folderResult
	req := c.R().SetResult(&out).SetFormData(map[string]string{"folder_name": name})
	closeAll, err := attachFiles(req, paths)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	resp, err := req.Post("/select-folder")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /select-folder: %s", resp.String())
	}
	return &out, nil
}

func taskStatus(c *resty.Client, taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.R().SetResult(&out).Get("/task-status/" + taskID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /task-status/%s: %s", taskID, resp.String())
	}
	return out, nil
}

func cancelTasks(c *resty.Client, taskIDs []string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if len(taskIDs) == 1 {
		resp, err := c.R().SetResult(&out).Delete("/task-cancel/" + taskIDs[0])
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("DELETE /task-cancel/%s: %s", taskIDs[0], resp.String())
		}
		return out, nil
	}
	resp, err := c.R().
		SetBody(map[string][]string{"task_ids": taskIDs}).
		SetResult(&out).
		Post("/tasks-cancel-batch")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /tasks-cancel-batch: %s", resp.String())
	}
	return out, nil
}

func search(c *resty.Client, text string) (*searchResult, error) {
	var out searchResult
	resp, err := c.R().
		SetBody(map[string]string{"message": text}).
		SetResult(&out).
		Post("/message")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /message: %s", resp.String())
	}
	return &out, nil
}

func health(c *resty.Client) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.R().SetResult(&out).Get("/health")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /health: %s", resp.String())
	}
	return out, nil
}

func activeTasks(c *resty.Client) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.R().SetResult(&out).Get("/tasks/active")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /tasks/active: %s", resp.String())
	}
	return out, nil
}

// terminal 与状态存储的终态集合一致，另加 not_found
func terminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "skipped", "not_found":
		return true
	}
	return false
}

// waitTask 轮询直到终态或超时
func waitTask(c *resty.Client, taskID string, interval, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		st, err := taskStatus(c, taskID)
		if err != nil {
			return nil, err
		}
		if s, _ := st["status"].(string); terminal(s) {
			return st, nil
		}
		if time.Now().After(deadline) {
			return st, fmt.Errorf("等待任务 %s 超时", taskID)
		}
		time.Sleep(interval)
	}
}
