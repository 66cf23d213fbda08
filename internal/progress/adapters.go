package progress

// ProducerNotifier adapts a Bus to producer.Notifier, translating pool
// lifecycle callbacks into bus events.
type ProducerNotifier struct {
	Bus *Bus
}

func (n ProducerNotifier) TaskStarted(taskID, symbol string) {
	n.Bus.Publish(TaskStart(taskID, symbol))
}

func (n ProducerNotifier) TaskCompleted(taskID string, rows int) {
	n.Bus.Publish(TaskComplete(taskID, rows))
}

func (n ProducerNotifier) TaskFailed(taskID, symbol string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	n.Bus.Publish(TaskFailed(taskID, symbol, 0, reason))
}

// ConsumerNotifier adapts a Bus to consumer.Notifier.
type ConsumerNotifier struct {
	Bus *Bus
}

func (n ConsumerNotifier) BatchFlushed(count int) {
	n.Bus.Publish(BatchComplete(count))
}
