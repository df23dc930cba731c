// Command serve answers image classification requests over HTTP.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maricarminate/Cats-vs-Dogs/api"
	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/data"
	"github.com/maricarminate/Cats-vs-Dogs/inference"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfgFile := flag.String("config", "", "YAML configuration file")
	modelPath := flag.String("model", "", "Model served as the default model, overrides the configuration")
	modelsPath := flag.String("models", constants.ModelsPath, "Folder of additional models, models created over the api are saved there")
	addr := flag.String("addr", constants.ServerAddr, "Listen address")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal(err)
	}
	if *modelPath != "" {
		cfg.ModelFile = *modelPath
	}

	i, err := inference.New(inference.Config{
		DefaultModel: cfg.ModelFile,
		ModelsPath:   *modelsPath,
		Training:     &cfg,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer i.Destroy()
	log.Printf("Serving models: %v", i.GetModels())

	m, err := data.New(cfg, ioutil.Discard)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Destroy()

	a := api.APIs{I: i, M: m}
	server := &http.Server{
		Addr:    *addr,
		Handler: a.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			log.Print(err)
		}
		return
	case <-ctx.Done():
	}

	log.Print("Shutting down server...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Printf("Server shutdown: %s", err)
	}
}
