package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// preprocess unwraps log-shipping envelopes before decoding: CloudWatch Logs
// subscription exports and Firelens sidecar wrappers both nest the real log
// line inside a JSON envelope carrying delivery metadata.
func (f *LogFile) preprocess() error {
	switch {
	case f.Config.ViaCWL:
		return f.unwrapCloudWatchLogs()
	case f.Config.ViaFirelens:
		return f.unwrapFirelens()
	}
	return nil
}

// cwlEnvelope is the CloudWatch Logs subscription export shape.
type cwlEnvelope struct {
	MessageType         string   `json:"messageType"`
	Owner               string   `json:"owner"`
	LogGroup            string   `json:"logGroup"`
	LogStream           string   `json:"logStream"`
	SubscriptionFilters []string `json:"subscriptionFilters"`
	LogEvents           []struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		Message   string `json:"message"`
	} `json:"logEvents"`
}

// unwrapCloudWatchLogs rewrites the body to one log line per record and
// keeps the envelope fields as metadata. CONTROL_MESSAGE envelopes are
// dropped.
func (f *LogFile) unwrapCloudWatchLogs() error {
	dec := json.NewDecoder(bytes.NewReader(f.body))
	var lines bytes.Buffer
	var lineMeta []map[string]any

	for {
		var env cwlEnvelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("invalid CloudWatch Logs envelope: %w", err)
		}
		if env.MessageType == "CONTROL_MESSAGE" {
			continue
		}
		if env.Owner != "" {
			f.meta["aws_account_id"] = env.Owner
		}
		if env.LogGroup != "" {
			f.meta["cwl_log_group"] = env.LogGroup
		}
		if env.LogStream != "" {
			f.meta["cwl_log_stream"] = env.LogStream
		}
		for _, ev := range env.LogEvents {
			msg := strings.TrimRight(ev.Message, "\n")
			lines.WriteString(msg)
			lines.WriteByte('\n')
			lineMeta = append(lineMeta, map[string]any{
				"cwl_id":        ev.ID,
				"cwl_timestamp": ev.Timestamp,
			})
		}
	}

	f.body = lines.Bytes()
	f.lineMeta = lineMeta
	return nil
}

// firelensLine is the Firelens sidecar wrapper around one container log line.
type firelensLine struct {
	Log             string `json:"log"`
	ContainerID     string `json:"container_id"`
	ContainerName   string `json:"container_name"`
	Source          string `json:"source"`
	ECSCluster      string `json:"ecs_cluster"`
	ECSTaskARN      string `json:"ecs_task_arn"`
	ECSTaskDef      string `json:"ecs_task_definition"`
}

// unwrapFirelens rewrites each line to the inner log text, keeping the
// container fields as per-line metadata. Lines that are not Firelens JSON
// pass through untouched.
func (f *LogFile) unwrapFirelens() error {
	scanner := bufio.NewScanner(bytes.NewReader(f.body))
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var lines bytes.Buffer
	var lineMeta []map[string]any
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var fl firelensLine
		if err := json.Unmarshal([]byte(line), &fl); err != nil || fl.Log == "" {
			lines.WriteString(line)
			lines.WriteByte('\n')
			lineMeta = append(lineMeta, nil)
			continue
		}
		lines.WriteString(strings.TrimRight(fl.Log, "\n"))
		lines.WriteByte('\n')
		meta := map[string]any{}
		if fl.ContainerID != "" {
			meta["container_id"] = fl.ContainerID
		}
		if fl.ContainerName != "" {
			meta["container_name"] = fl.ContainerName
		}
		if fl.Source != "" {
			meta["container_source"] = fl.Source
		}
		if fl.ECSCluster != "" {
			meta["ecs_cluster"] = fl.ECSCluster
		}
		if fl.ECSTaskARN != "" {
			meta["ecs_task_arn"] = fl.ECSTaskARN
		}
		if fl.ECSTaskDef != "" {
			meta["ecs_task_definition"] = fl.ECSTaskDef
		}
		lineMeta = append(lineMeta, meta)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	f.body = lines.Bytes()
	f.lineMeta = lineMeta
	return nil
}
