package sample

import "log"

//go:generate go run github.com/ZenLiuCN/linkmap/inspect compile missing.go
func Print(args ...any) {
	log.Println(args...)
}
