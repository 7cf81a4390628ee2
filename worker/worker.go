/*
Package worker turns a configuration file into a running task loop: it
opens the configured volumes, engine and queue, then processes output
regions from the queue until the queue stays empty for the configured
wait interval.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/janelia-flyem/blockflow/blockflow"
	"github.com/janelia-flyem/blockflow/inference"
	"github.com/janelia-flyem/blockflow/pipeline"
	"github.com/janelia-flyem/blockflow/queue"
	"github.com/janelia-flyem/blockflow/storage"
)

func openVolume(ctx context.Context, vc VolumeConfig) (*storage.Store, error) {
	scale := vc.Scale
	if scale == "" {
		scale = "0"
	}
	return storage.OpenStore(ctx, vc.URL, scale, storage.StoreOptions{
		FillMissing: vc.FillMissing,
		CacheSize:   vc.CacheSize,
	})
}

// sinkBucketURL strips any query parameters from the output volume URL so
// run artifacts land beside the output chunks.
func sinkBucketURL(outputURL string) string {
	u, err := url.Parse(outputURL)
	if err != nil {
		return outputURL
	}
	u.RawQuery = ""
	return u.String()
}

// Setup opens every collaborator the configuration names and builds the
// pipeline executor.
func Setup(ctx context.Context, c *Config) (*pipeline.Executor, error) {
	engine, err := inference.NewEngine(inference.Config{
		Framework: c.Inference.Framework,
		Channels:  c.Inference.Channels,
		Address:   c.Inference.Address,
		PatchSize: c.Inference.Patch,
		Overlap:   c.Inference.Overlap,
	})
	if err != nil {
		return nil, err
	}

	var stores pipeline.Stores
	if stores.Image, err = openVolume(ctx, c.Image); err != nil {
		return nil, fmt.Errorf("can't open image volume: %v", err)
	}
	output, err := openVolume(ctx, c.Output)
	if err != nil {
		return nil, fmt.Errorf("can't open output volume: %v", err)
	}
	stores.Output = output
	if c.Mask.URL != "" {
		if stores.Mask, err = openVolume(ctx, c.Mask.VolumeConfig); err != nil {
			return nil, fmt.Errorf("can't open mask volume: %v", err)
		}
	}
	if c.Reference.URL != "" {
		if stores.Ref, err = openVolume(ctx, c.Reference); err != nil {
			return nil, fmt.Errorf("can't open reference volume: %v", err)
		}
	}
	sinkBucket, err := storage.OpenBucket(ctx, sinkBucketURL(c.Output.URL))
	if err != nil {
		return nil, fmt.Errorf("can't open artifact sink: %v", err)
	}
	stores.Sink = storage.NewSink(sinkBucket)
	if stores.Relay, err = storage.NewActivityRelay(c.Kafka); err != nil {
		return nil, fmt.Errorf("can't connect activity relay: %v", err)
	}

	return pipeline.NewExecutor(c.Params(), engine, stores)
}

// Run processes queued output regions until the queue stays empty for the
// configured wait interval or the context is canceled.  A failed task is
// left unacknowledged so the broker redelivers it to another worker.
func Run(ctx context.Context, c *Config) error {
	if c.Queue.Subscription == "" {
		return configErrorf("[queue] needs a subscription url")
	}
	exec, err := Setup(ctx, c)
	if err != nil {
		return err
	}
	q, err := queue.Open(ctx, c.Queue.Subscription, c.Queue.Topic, c.Queue.Wait())
	if err != nil {
		return err
	}
	defer q.Close(context.Background())

	var done, failed int
	for {
		task, err := q.Next(ctx)
		if err == queue.ErrNoTask {
			blockflow.Infof("Task queue stayed empty, worker exiting: %d done, %d failed\n", done, failed)
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				blockflow.Infof("Worker canceled: %d done, %d failed\n", done, failed)
				return nil
			}
			return fmt.Errorf("task receive failed: %v", err)
		}
		if err := runTask(ctx, exec, task); err != nil {
			blockflow.Errorf("Task %q failed: %v\n", task.Body, err)
			failed++
			continue
		}
		q.Done(task)
		done++
	}
}

func runTask(ctx context.Context, exec *pipeline.Executor, task *queue.Task) error {
	outBox, err := task.Bbox()
	if err != nil {
		return fmt.Errorf("undecodable task: %v", err)
	}
	return exec.Run(ctx, outBox)
}

// EnqueueGrid plans aligned output regions covering the given box and
// sends one task per region.  Region size must evenly tile the box.
func EnqueueGrid(ctx context.Context, c *Config, box blockflow.Bbox, regionSize blockflow.Point3d) (int, error) {
	if c.Queue.Topic == "" {
		return 0, configErrorf("[queue] needs a topic url to enqueue")
	}
	for dim := 0; dim < 3; dim++ {
		if regionSize[dim] < 1 {
			return 0, configErrorf("region size %s must be positive", regionSize)
		}
		if box.Size()[dim]%regionSize[dim] != 0 {
			return 0, configErrorf("box %s is not an exact multiple of region size %s", box, regionSize)
		}
	}
	var bodies []string
	for z := box.MinPoint[0]; z < box.MaxPoint[0]; z += regionSize[0] {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y += regionSize[1] {
			for x := box.MinPoint[2]; x < box.MaxPoint[2]; x += regionSize[2] {
				region := blockflow.BboxFromSize(blockflow.Point3d{z, y, x}, regionSize)
				bodies = append(bodies, region.Filename())
			}
		}
	}
	q, err := queue.Open(ctx, "", c.Queue.Topic, c.Queue.Wait())
	if err != nil {
		return 0, err
	}
	defer q.Close(context.Background())
	if err := q.SendBatch(ctx, bodies); err != nil {
		return 0, err
	}
	return len(bodies), nil
}
