/*
Package framepipe processes video frames in parallel and writes results in
the original order.

Concept

A pipe has three stages:

    Source - the origin of frames;
    Model - the transformation applied to every frame;
    Sink - the destination of processed frames.

Source emits frames one at a time. Every frame gets the next index,
starting at zero. In pooled mode frames are submitted into a bounded work
queue and a fixed number of workers take them, apply the model and hand
results to a reorder buffer. Workers finish frames in any order, the buffer
releases the longest contiguous run starting at the next expected index,
so the sink always receives frames in source order. In sequential mode the
frames go straight from the source through the model into the sink.

Components

Model instances are created with allocator functions, one per worker:

    p, err := framepipe.New(
        source,
        framepipe.Shared(model.Grayscale{}),
        sink,
        framepipe.WithWorkers(4),
    )

Optional hooks extend components: Starter is called before the first
frame, Flusher is called when a worker releases its model, Source may
implement io.Closer and Describer.

Execution

Run blocks until the source is exhausted and every accepted frame is
written, or until the first fatal error:

    res, err := p.Run(ctx)

The pipe moves through Idle, Running, Draining, Flushing and Closed
states. After source is done, the pipe waits for all queued frames to be
processed, closes the queue so every worker exits, joins the workers and
closes the sink and the source.

Errors

A failed source stops submission, already accepted frames are still
processed and written. A failed sink aborts the run. A failed
transformation is handled according to ErrorPolicy: Abort stops the run,
Skip drops the frame, PassThrough writes the unprocessed frame.
*/
package framepipe
