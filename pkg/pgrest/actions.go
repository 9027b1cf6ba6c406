package pgrest

import (
	"context"
	"errors"
)

// TopicAction names an administrative operation on a broker topic
type TopicAction string

const (
	ActionArchive   TopicAction = "archive"
	ActionUnarchive TopicAction = "unarchive"
	ActionDelete    TopicAction = "delete"
)

// Remote procedure names for topic administration
var actionProcs = map[TopicAction]string{
	ActionArchive:   "archive_topic",
	ActionUnarchive: "unarchive_topic",
	ActionDelete:    "delete_topic",
}

// ErrUnknownAction is returned for an action outside the fixed set
var ErrUnknownAction = errors.New("pgrest: unknown topic action")

// topicActionArgs is the argument object every topic RPC accepts
type topicActionArgs struct {
	Topic  string `json:"topic"`
	DryRun bool   `json:"dry_run"`
}

// TopicActionResult is what the topic RPCs return. The server audits every
// invocation, dry runs included, and reports how many rows the action
// touched (or would touch).
type TopicActionResult struct {
	Topic    string `json:"topic"`
	Affected int64  `json:"affected"`
	DryRun   bool   `json:"dry_run"`
}

// ExecuteTopicAction invokes the archive/unarchive/delete procedure for a
// topic. With dryRun set the server validates and audits but changes
// nothing.
func (c *Client) ExecuteTopicAction(ctx context.Context, action TopicAction, topic string, dryRun bool) (*TopicActionResult, error) {
	proc, ok := actionProcs[action]
	if !ok {
		return nil, ErrUnknownAction
	}
	if topic == "" {
		return nil, errors.New("pgrest: topic required")
	}

	var result TopicActionResult
	if err := c.RPC(ctx, proc, topicActionArgs{Topic: topic, DryRun: dryRun}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
