/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/storesync/replicator"
	"github.com/storesync/replicator/config"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration, opt asynq.RedisClientOpt) *asynq.Server {
	queue := conf.Queue.SchedulerQueue
	if queue == "" {
		queue = "replicator"
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.SchedulerConcurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithField("task", task.Type()).Errorf("job failed: %v", err)
		}),
	})
}

// startScheduler registers the periodic replication jobs and runs them in the background.
func startScheduler(app *replicatorInstance, opt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{})
	ids, err := app.replicator.RegisterSchedules(scheduler)
	if err != nil {
		return nil, err
	}
	if err := scheduler.Start(); err != nil {
		return nil, err
	}
	logrus.Infof("Scheduler started with %d periodic jobs", len(ids))
	return scheduler, nil
}

// workerCommands defines the "workers" command. It runs queued and
// scheduled replication jobs and serves asynqmon for monitoring.
func workerCommands(app *replicatorInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start replicator workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := app.cnf

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			opt, err := replicator.RedisConnOpt(conf)
			if err != nil {
				log.Fatal(err)
			}

			srv := initializeWorkerServer(conf, opt)

			mux := asynq.NewServeMux()
			app.replicator.RegisterJobHandlers(mux)

			scheduler, err := startScheduler(app, opt)
			if err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
