/*
Package concurrency provides advanced concurrency primitives with observability.

Features:
  - SmartMutex / SmartRWMutex: Deadlock detection and slow lock logging
  - Semaphore: Weighted semaphore, bounding consumer.ChannelsManager's in-flight dispatch
  - WorkerPool: Goroutine pool, driving outbox.Worker's per-endpoint relay fan-out
*/
package concurrency
