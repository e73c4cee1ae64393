package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicOperationCallback carries raw runtime callbacks for an operation.
func TopicOperationCallback(opID string) string {
	return fmt.Sprintf("ops.%s.callback", opID)
}

// TopicOperationControl tells the runtime to halt an operation.
func TopicOperationControl(opID string) string {
	return fmt.Sprintf("ops.%s.control", opID)
}

// TopicOperationStart is requested by a runtime to open a new operation.
const TopicOperationStart = "ops.start"

func TopicIPC(opID string) string {
	return fmt.Sprintf("host.ipc.%s", opID)
}

func TopicEventsOperation(opID string) string {
	return fmt.Sprintf("events.op.%s", opID)
}

// TopicEventsSchedule reports scheduled assessment runs.
func TopicEventsSchedule(name string) string {
	return fmt.Sprintf("events.schedule.%s", name)
}

const TopicEventsOperations = "events.op.*"
