/*
Package workerhub is an event-driven worker orchestrator.

# Overview

A Hub consumes event references from a message bus. Events of type
"system" install a worker: the event id is resolved to a descriptor through
the code repository, the handler source is staged under the build root, and
a worker process is spawned and asked to register its listeners. Every other
event is forwarded to each worker with at least one listener whose glob
pattern matches the event source.

	cfg, err := config.Load("workerhub.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	hub, err := workerhub.New(cfg, workerhub.WithLogger(logger))
	if err != nil {
	    log.Fatal(err)
	}
	if err := hub.Run(ctx); err != nil {
	    log.Fatal(err)
	}

# Workers

Workers are separate processes that speak a JSON-lines protocol over
stdin and stdout (see package protocol). The default worker command is the
workerhub binary's own "worker" subcommand, which runs Lua handlers through
package luahost:

	function setup(events)
	  events.on("app.code.**", function(evt)
	    log.info("my event", evt.id)
	  end)
	end

Re-installing a worker id replaces its process and its whole listener set.

# Control channel

When enabled, a websocket endpoint at /ws echoes text frames and shuts the
hub down on "close|<token>", where the token is generated per run. The same
server exposes /healthz and a small worker API.
*/
package workerhub
