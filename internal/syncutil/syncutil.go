// Package syncutil 定义全项目共用的互斥锁。
// 默认就是 sync.Mutex; 以 `-tags deadlock` 构建时换成 go-deadlock，
// 持锁超过 SetDeadlockTimeout 设定的时长会打印持锁栈。
package syncutil
