package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/cluster"
	"github.com/fuad-daoud/discord-cluster/discord"
	"github.com/fuad-daoud/discord-cluster/logger/dlog"
	"github.com/fuad-daoud/discord-cluster/state"
)

var (
	TotalShards  int
	ClusterCount int
)

func init() {
	TotalShards, _ = strconv.Atoi(os.Getenv("SHARDS"))
	if TotalShards == 0 {
		TotalShards = 2
	}
	ClusterCount, _ = strconv.Atoi(os.Getenv("CLUSTERS"))
	if ClusterCount == 0 {
		ClusterCount = 2
	}
	log.SetFlags(log.Ldate | log.Lmicroseconds)
}

func main() {
	if _, ok := os.LookupEnv("CLUSTER_ID"); ok {
		// stdout carries the IPC stream; NewNode moves logs to stderr
		runWorker()
		return
	}
	runManager()
}

func runManager() {
	dlog.Setup()
	manager, err := cluster.New(TotalShards, ClusterCount,
		cluster.WithRespawn(true),
		cluster.WithSpawnTimeout(30*time.Second),
	)
	if err != nil {
		panic(err)
	}
	if err = manager.Start(context.Background()); err != nil {
		panic(err)
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, res := range manager.BroadcastEval(ctx, "cacheStats", nil) {
		if res.Err != nil {
			dlog.Error("stats failed", "cluster", res.Cluster, "err", res.Err)
			continue
		}
		dlog.Info("cluster stats", "cluster", res.Cluster, "stats", string(res.Value))
	}
	cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
	log.Println("Graceful shutdown")
}

func runWorker() {
	env, err := cluster.LoadEnv()
	if err != nil {
		panic(err)
	}
	clients := make([]*state.Client, 0, env.ShardCount)
	for shard := env.FirstShard; shard <= env.LastShard; shard++ {
		clients = append(clients, state.New(state.Config{
			ShardID:          shard,
			MessageCacheMode: state.MessagesPerChannel,
			SeedMembers:      true,
		}, noTransport{}))
	}

	node := cluster.NewNode(env)
	node.Register("cacheStats", func(ctx context.Context, args json.RawMessage) (any, error) {
		stats := map[string]int{}
		for _, c := range clients {
			stats["guilds"] += c.Guilds.Len()
			stats["users"] += c.Users.Len()
			stats["channels"] += c.Channels.Len()
		}
		return stats, nil
	})
	if err := node.Serve(context.Background()); err != nil {
		panic(err)
	}
}

// noTransport stands in until a gateway session is plugged behind the cache.
type noTransport struct{}

func (noTransport) RequestGuildMembers(ctx context.Context, guildIDs []snowflake.ID, opts discord.RequestGuildMembersOptions) error {
	return nil
}

func (noTransport) FetchApplication(ctx context.Context) (*discord.Application, error) {
	return nil, nil
}

func (noTransport) Request(ctx context.Context, method, route string, body any) (json.RawMessage, error) {
	return nil, nil
}
