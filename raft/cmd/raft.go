package main

import (
	"log"
	"os"

	"github.com/bakalover/changelog/raft"
)

func main() {
	log.Println(os.Args)
	config := raft.Config{
		LogKey:     os.Args[1],
		Me:         os.Args[2],
		Neighbours: os.Args[3:],
	}
	instance := raft.NewRaft(&config)
	instance.Run()
	instance.Park()
	if err := instance.Close(); err != nil {
		log.Printf("close failed: %v", err)
	}
}
