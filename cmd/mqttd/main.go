// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/config"
	"github.com/voxoz/mqtt/hooks/auth"
	"github.com/voxoz/mqtt/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for tcp listener")
	wsAddr := flag.String("ws", ":1882", "network address for websocket listener")
	healthAddr := flag.String("health", ":8080", "network address for healthcheck listener")
	configFile := flag.String("config", "", "path to configuration file (yaml or json)")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	var options *mqtt.Options
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}

		options, err = config.FromBytes(data)
		if err != nil {
			log.Fatal(err)
		}
	}

	server := mqtt.New(options)

	if *configFile == "" {
		_ = server.AddHook(new(auth.AllowHook), nil)

		err := server.AddListener(listeners.NewTCP(listeners.Config{
			ID:      "t1",
			Address: *tcpAddr,
		}))
		if err != nil {
			log.Fatal(err)
		}

		err = server.AddListener(listeners.NewWebsocket(listeners.Config{
			ID:      "ws1",
			Address: *wsAddr,
		}))
		if err != nil {
			log.Fatal(err)
		}

		err = server.AddListener(listeners.NewHTTPHealthCheck(listeners.Config{
			ID:      "health",
			Address: *healthAddr,
		}))
		if err != nil {
			log.Fatal(err)
		}
	}

	go func() {
		err := server.Serve()
		if err != nil {
			log.Fatal(err)
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
}
